package device

import (
	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
	"github.com/rpcsx-go/gcnproc/internal/pm4"
)

// Register offsets below are this façade's own convention, not real GCN
// hardware MMIO offsets - nothing in this project's source material
// documents the real COMPUTE_PGM_LO/SPI_SHADER_PGM_LO_VS/CB_COLOR0_BASE
// family of offsets, so invention here would just be guessing at
// numbers that look real without being grounded in anything. Instead
// this defines a small, internally-consistent layout over the three
// register banks IT_SET_SH_REG/IT_SET_CONTEXT_REG/IT_SET_UCONFIG_REG
// already write through; a real driver's offsets would drop in one for
// one without touching any other line in this package.
const (
	// ShRegs: compute pipe shader program state.
	regComputePgmLo     uint32 = 0x000
	regComputePgmHi     uint32 = 0x001
	regComputeUserData0 uint32 = 0x010 // 16 consecutive slots

	// ContextRegs: graphics pipe shader program state, one pair per
	// stage this façade implements.
	regVsPgmLo     uint32 = 0x100
	regVsPgmHi     uint32 = 0x101
	regVsUserData0 uint32 = 0x110 // 16 consecutive slots
	regPsPgmLo     uint32 = 0x120
	regPsPgmHi     uint32 = 0x121
	regPsUserData0 uint32 = 0x130 // 16 consecutive slots

	// ContextRegs: the single color render target a draw writes, kept
	// this simple since multiple render targets are a Non-goal.
	regColorBaseLo   uint32 = 0x200
	regColorBaseHi   uint32 = 0x201
	regColorFormat   uint32 = 0x202 // raw GCN data format, as ImageKey.DataFormat expects
	regColorWidth    uint32 = 0x203
	regColorHeight   uint32 = 0x204
	regColorPitch    uint32 = 0x205
	regColorTileMode uint32 = 0x206
)

// userSGPRs reads 16 consecutive registers starting at base into a
// gcnconvert.UserSGPRs value.
func userSGPRs(bank *pm4.RegisterBank, base uint32) gcnconvert.UserSGPRs {
	var sgprs gcnconvert.UserSGPRs
	for i := range sgprs {
		sgprs[i] = bank.Get(base + uint32(i))
	}
	return sgprs
}
