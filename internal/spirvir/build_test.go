package spirvir

import "testing"

func TestTypeDeduplication(t *testing.T) {
	ctx := NewContext()
	b := NewBuilder(ctx, Location{})

	a := b.TypeInt(32, false)
	c := b.TypeInt(32, false)
	if a != c {
		t.Fatalf("expected identical TypeInt calls to dedupe to the same id, got %d and %d", a, c)
	}

	signed := b.TypeInt(32, true)
	if signed == a {
		t.Fatalf("TypeInt(32,false) and TypeInt(32,true) must not collide")
	}

	if got := len(ctx.Region().Sections[SectionTypesAndConstants]); got != 2 {
		t.Fatalf("expected exactly 2 emitted type instructions, got %d", got)
	}
}

func TestStructKeyDisambiguatesStructurallyIdenticalStructs(t *testing.T) {
	ctx := NewContext()
	b := NewBuilder(ctx, Location{})
	u32 := b.TypeInt(32, false)

	vbufferDesc := b.TypeStruct("vbuffer", []ID{u32, u32})
	tbufferDesc := b.TypeStruct("tbuffer", []ID{u32, u32})

	if vbufferDesc == tbufferDesc {
		t.Fatalf("structurally identical but semantically distinct structs must not collapse to one id")
	}

	again := b.TypeStruct("vbuffer", []ID{u32, u32})
	if again != vbufferDesc {
		t.Fatalf("same key must reuse the existing struct type")
	}
}

func TestAllocIDMonotonic(t *testing.T) {
	ctx := NewContext()
	a := ctx.AllocID()
	c := ctx.AllocID()
	if c <= a {
		t.Fatalf("AllocID must be strictly increasing, got %d then %d", a, c)
	}
}
