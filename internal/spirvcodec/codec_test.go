package spirvcodec

import (
	"reflect"
	"testing"

	"github.com/rpcsx-go/gcnproc/internal/spirvir"
)

// buildSampleModule produces a tiny but representative module: a struct
// type, a pointer to it, a uint32 constant, and a function that loads and
// stores through a variable - enough surface to exercise every section
// the serializer writes.
func buildSampleModule(t *testing.T) []uint32 {
	t.Helper()
	ctx := spirvir.NewContext()
	b := spirvir.NewBuilder(ctx, spirvir.Location{})

	u32 := b.TypeInt(32, false)
	ptr := b.TypePointer(spirvir.StorageClassFunction, u32)
	one := b.ConstantUint32(u32, 1)

	v := b.Variable(ptr, spirvir.StorageClassFunction)
	b.Store(v, one)
	_ = b.Load(u32, v)

	return Serialize(ctx.Region())
}

func TestRoundTrip(t *testing.T) {
	words := buildSampleModule(t)

	ctx := spirvir.NewContext()
	region, ok := Deserialize(words, ctx, spirvir.Location{})
	if !ok {
		t.Fatalf("Deserialize failed on module produced by Serialize")
	}

	again := Serialize(region)
	if !reflect.DeepEqual(words, again) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", again, words)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	if Validate(nil) {
		t.Fatalf("Validate accepted an empty module")
	}
	if Validate([]uint32{0xDEADBEEF, 0, 0, 0, 0}) {
		t.Fatalf("Validate accepted a bad magic number")
	}
	words := buildSampleModule(t)
	if !Validate(words) {
		t.Fatalf("Validate rejected a well-formed module")
	}
}

func TestDeserializeRejectsShortInput(t *testing.T) {
	if _, ok := Deserialize([]uint32{1, 2, 3}, spirvir.NewContext(), spirvir.Location{}); ok {
		t.Fatalf("Deserialize accepted a too-short input")
	}
}

func TestDisassembleDoesNotPanicOnTruncation(t *testing.T) {
	words := buildSampleModule(t)
	truncated := words[:len(words)-1]
	out := Disassemble(truncated, true)
	if out == "" {
		t.Fatalf("expected non-empty disassembly even for truncated input")
	}
}
