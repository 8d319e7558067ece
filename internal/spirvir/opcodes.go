package spirvir

// A subset of the SPIR-V opcode space, limited to what the converter (C3)
// and the tiler's detile helpers (C4) actually emit. Numeric values match
// the SPIR-V specification so Serialize can write them out directly.
const (
	OpNop                Op = 0
	OpUndef              Op = 1
	OpSourceContinued    Op = 2
	OpSource             Op = 3
	OpName               Op = 5
	OpMemberName         Op = 6
	OpExtInstImport      Op = 11
	OpExtInst            Op = 12
	OpMemoryModel        Op = 14
	OpEntryPoint         Op = 15
	OpExecutionMode      Op = 16
	OpCapability         Op = 17
	OpTypeVoid           Op = 19
	OpTypeBool           Op = 20
	OpTypeInt            Op = 21
	OpTypeFloat          Op = 22
	OpTypeVector         Op = 23
	OpTypeMatrix         Op = 24
	OpTypeImage          Op = 25
	OpTypeSampler        Op = 26
	OpTypeSampledImage   Op = 27
	OpTypeArray          Op = 28
	OpTypeRuntimeArray   Op = 29
	OpTypeStruct         Op = 30
	OpTypePointer        Op = 32
	OpTypeFunction       Op = 33
	OpConstantTrue       Op = 41
	OpConstantFalse      Op = 42
	OpConstant           Op = 43
	OpConstantComposite  Op = 44
	OpFunction           Op = 54
	OpFunctionParameter  Op = 55
	OpFunctionEnd        Op = 56
	OpFunctionCall       Op = 57
	OpVariable           Op = 59
	OpLoad               Op = 61
	OpStore              Op = 62
	OpAccessChain        Op = 65
	OpDecorate           Op = 71
	OpMemberDecorate     Op = 72
	OpVectorShuffle      Op = 79
	OpCompositeConstruct Op = 80
	OpCompositeExtract   Op = 81
	OpConvertFToU        Op = 109
	OpConvertFToS        Op = 110
	OpConvertSToF        Op = 111
	OpConvertUToF        Op = 112
	OpBitcast            Op = 124
	OpIAdd               Op = 128
	OpFAdd               Op = 129
	OpISub               Op = 130
	OpFSub               Op = 131
	OpIMul               Op = 132
	OpFMul               Op = 133
	OpUDiv               Op = 134
	OpSDiv               Op = 135
	OpFDiv               Op = 136
	OpUMod               Op = 137
	OpSMod               Op = 139
	OpFMod               Op = 141
	OpLogicalAnd         Op = 167
	OpLogicalOr          Op = 166
	OpLogicalNot         Op = 168
	OpSelect             Op = 169
	OpIEqual             Op = 170
	OpINotEqual          Op = 171
	OpUGreaterThan       Op = 172
	OpSGreaterThan       Op = 173
	OpULessThan          Op = 176
	OpSLessThan          Op = 177
	OpFOrdEqual          Op = 180
	OpFOrdLessThan       Op = 184
	OpFOrdGreaterThan    Op = 186
	OpShiftRightLogical  Op = 194
	OpShiftRightArith    Op = 195
	OpShiftLeftLogical   Op = 196
	OpBitwiseOr          Op = 197
	OpBitwiseXor         Op = 198
	OpBitwiseAnd         Op = 199
	OpNot                Op = 200
	OpPhi                Op = 245
	OpLoopMerge          Op = 246
	OpSelectionMerge     Op = 247
	OpLabel              Op = 248
	OpBranch             Op = 249
	OpBranchConditional  Op = 250
	OpReturn             Op = 253
	OpReturnValue        Op = 254
)

// StorageClass mirrors SPIR-V's SPV_STORAGE_CLASS numeric values used by
// OpTypePointer/OpVariable.
type StorageClass uint32

const (
	StorageClassUniformConstant StorageClass = 0
	StorageClassInput           StorageClass = 1
	StorageClassUniform         StorageClass = 2
	StorageClassOutput          StorageClass = 3
	StorageClassPrivate         StorageClass = 6
	StorageClassFunction        StorageClass = 7
	StorageClassStorageBuffer   StorageClass = 12
)
