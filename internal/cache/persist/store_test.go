package persist

import (
	"testing"

	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(nil, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	s := openTestStore(t)
	_, hit, err := s.Get("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error on miss: %v", err)
	}
	if hit {
		t.Fatalf("expected a miss")
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	want := gcnconvert.Shader{
		SPIRV: []uint32{0x07230203, 1, 2, 3},
		Uniforms: []gcnconvert.UniformInfo{
			{Binding: 0, Kind: gcnconvert.UniformBuffer, Access: gcnconvert.AccessLoad},
		},
	}
	if err := s.Put("fp-1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, hit, err := s.Get("fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit {
		t.Fatalf("expected a hit after Put")
	}
	if len(got.SPIRV) != len(want.SPIRV) {
		t.Fatalf("got %d SPIR-V words, want %d", len(got.SPIRV), len(want.SPIRV))
	}
	for i := range want.SPIRV {
		if got.SPIRV[i] != want.SPIRV[i] {
			t.Fatalf("SPIRV[%d] = %#x, want %#x", i, got.SPIRV[i], want.SPIRV[i])
		}
	}
	if len(got.Uniforms) != 1 || got.Uniforms[0].Kind != gcnconvert.UniformBuffer {
		t.Fatalf("unexpected uniforms: %+v", got.Uniforms)
	}
}

func TestPutOverwritesPriorEntry(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("fp", gcnconvert.Shader{SPIRV: []uint32{1}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("fp", gcnconvert.Shader{SPIRV: []uint32{1, 2, 3}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, hit, err := s.Get("fp")
	if err != nil || !hit {
		t.Fatalf("Get: hit=%v err=%v", hit, err)
	}
	if len(got.SPIRV) != 3 {
		t.Fatalf("expected the overwritten 3-word entry, got %d words", len(got.SPIRV))
	}
}
