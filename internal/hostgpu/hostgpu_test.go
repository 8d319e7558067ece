package hostgpu

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, a, want uint64 }{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{10, 0, 10},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.a); got != c.want {
			t.Fatalf("alignUp(%d,%d) = %d, want %d", c.v, c.a, got, c.want)
		}
	}
}

func TestUniqueFamilies(t *testing.T) {
	got := uniqueFamilies(2, 2, 0, 1, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 unique families, got %v", got)
	}
	seen := map[uint32]bool{}
	for _, f := range got {
		if seen[f] {
			t.Fatalf("duplicate family %d in %v", f, got)
		}
		seen[f] = true
	}
}
