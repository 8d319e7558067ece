package present

import (
	"context"
	"testing"
	"time"
)

func TestTranslatePixelFormatKnownValues(t *testing.T) {
	cases := []struct {
		format uint32
		want   PixelLayout
	}{
		{0x80000000, PixelLayout{DataFormatRGBA8, NumericFormatSRGB, FlipTypeAlt}},
		{0x80002200, PixelLayout{DataFormatRGBA8, NumericFormatSRGB, FlipTypeStd}},
		{0x88000000, PixelLayout{DataFormatRGB10A2, NumericFormatSRGB, FlipTypeAlt}},
		{0x88060000, PixelLayout{DataFormatRGB10A2, NumericFormatSNorm, FlipTypeAlt}},
		{0x88740000, PixelLayout{DataFormatRGB10A2, NumericFormatSNorm, FlipTypeAlt}},
		{0xC1060000, PixelLayout{DataFormatRGBA16F, NumericFormatFloat, FlipTypeAlt}},
	}
	for _, c := range cases {
		got, err := TranslatePixelFormat(c.format)
		if err != nil {
			t.Fatalf("0x%08X: unexpected error: %v", c.format, err)
		}
		if got != c.want {
			t.Fatalf("0x%08X: got %+v, want %+v", c.format, got, c.want)
		}
	}
}

func TestTranslatePixelFormatUnknownIsError(t *testing.T) {
	if _, err := TranslatePixelFormat(0xDEADBEEF); err == nil {
		t.Fatalf("expected an error for an unrecognized pixel format")
	}
}

// TestVBlankSourceTicksAtNTSCRate is S3: a background source emits
// PreVBlankStart then VBlank once per ~16.68 ms regardless of flip
// activity.
func TestVBlankSourceTicksAtNTSCRate(t *testing.T) {
	if vblankPeriod < 16*time.Millisecond || vblankPeriod > 17*time.Millisecond {
		t.Fatalf("vblankPeriod = %v, expected ~16.68ms", vblankPeriod)
	}

	src := NewVBlankSource()
	ctx, cancel := context.WithTimeout(context.Background(), vblankPeriod*3)
	defer cancel()
	go src.Run(ctx)

	select {
	case <-src.PreVBlankStart:
	case <-time.After(vblankPeriod * 3):
		t.Fatalf("did not observe a PreVBlankStart tick")
	}
	select {
	case <-src.VBlank:
	case <-time.After(vblankPeriod * 3):
		t.Fatalf("did not observe a VBlank tick")
	}
}

func TestNonBlockingSendCoalescesUnderBackpressure(t *testing.T) {
	ch := make(chan struct{}, 1)
	nonBlockingSend(ch)
	nonBlockingSend(ch) // must not block even though the channel is full
	if len(ch) != 1 {
		t.Fatalf("expected exactly one coalesced value, got %d", len(ch))
	}
}
