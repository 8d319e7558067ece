package tiler

import "testing"

// lcg is a tiny deterministic linear-congruential generator - the pack
// carries no quickcheck-style library, so round-trip coverage here is
// hand-rolled instead of reaching for testing/quick (noted in DESIGN.md).
type lcg uint64

func (g *lcg) next() uint64 {
	*g = lcg(uint64(*g)*6364136223846793005 + 1442695040888963407)
	return uint64(*g)
}

func (g *lcg) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(g.next() % uint64(n))
}

// TestTileDetileInvolution is P3: for every in-range coordinate and every
// tile mode, detile(tile(p)) must reproduce p exactly.
func TestTileDetileInvolution(t *testing.T) {
	const width, height, depth = 64, 48, 8
	modes := []TileMode{ModeDisplayLinear, ModeThinMicro, ModeThinMacro, ModeThick}

	gen := lcg(0xC0FFEE)
	for _, mode := range modes {
		for i := 0; i < 2000; i++ {
			p := TileParams{
				X: gen.intn(width), Y: gen.intn(height), Z: gen.intn(depth),
				Mip: gen.intn(4), Array: gen.intn(3),
				Mode: mode, Width: width, Height: height, Depth: depth,
				BytesPerElement: 4,
			}
			if mode == ModeThinMicro || mode == ModeThinMacro {
				p.Z = 0 // these families don't address a Z dimension
			}

			got := Detile(Tile(p))
			if got != p {
				t.Fatalf("mode %s: detile(tile(%+v)) = %+v", mode, p, got)
			}
		}
	}
}

// TestTileOffsetsAreDistinctWithinATile verifies the tiled modes don't
// silently alias two coordinates within the same tile onto one offset -
// a regression here would corrupt every pixel sharing the collision.
func TestTileOffsetsAreDistinctWithinATile(t *testing.T) {
	const width, height = 32, 32
	for _, mode := range []TileMode{ModeThinMicro, ModeThinMacro} {
		seen := make(map[int]TileParams)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p := TileParams{X: x, Y: y, Mode: mode, Width: width, Height: height, BytesPerElement: 4}
				off := Tile(p)
				if prior, ok := seen[off.Byte]; ok {
					t.Fatalf("mode %s: (%d,%d) and (%d,%d) both map to offset %d", mode, x, y, prior.X, prior.Y, off.Byte)
				}
				seen[off.Byte] = p
			}
		}
	}
}

func TestDetileShaderSnippetNonEmptyForEveryMode(t *testing.T) {
	for _, mode := range []TileMode{ModeDisplayLinear, ModeThinMicro, ModeThinMacro, ModeThick} {
		if DetileShaderSnippet(mode) == "" {
			t.Fatalf("mode %s: expected a non-empty snippet", mode)
		}
	}
}
