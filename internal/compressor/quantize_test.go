package compressor

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	opaqueWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	transparent = color.RGBA{}
)

func hasColor(pal color.Palette, c color.Color) bool {
	for _, p := range pal {
		if sameColor(p, c) {
			return true
		}
	}
	return false
}

func TestPaletteByName(t *testing.T) {
	tests := []struct {
		name        string
		palette     string
		alpha       bool
		wantLen     int
		transparent bool
	}{
		{"web opaque", PaletteWeb, false, 216, false},
		{"web alpha", PaletteWeb, true, 217, true},
		{"plan9 opaque", PalettePlan9, false, 256, false},
		{"plan9 alpha", PalettePlan9, true, 256, true},
		{"mixed case", "Plan9", false, 256, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pal := paletteByName(tt.palette, tt.alpha)
			assert.Len(t, pal, tt.wantLen)
			assert.Equal(t, tt.transparent, hasColor(pal, transparent))
			assert.True(t, hasColor(pal, opaqueWhite), "white must stay in the palette")
			assert.True(t, hasColor(pal, color.RGBA{A: 0xff}), "black must stay in the palette")
		})
	}
}

func TestQuantize_KeepsWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i++ {
		img.Pix[i] = 0xff
	}

	for _, name := range []string{PaletteWeb, PalettePlan9} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, opaque(img))
			out := quantize(img, paletteByName(name, !opaque(img)))
			r, g, b, a := out.At(8, 8).RGBA()
			assert.Equal(t, [4]uint32{0xffff, 0xffff, 0xffff, 0xffff}, [4]uint32{r, g, b, a})
		})
	}
}

func TestOpaque(t *testing.T) {
	assert.True(t, opaque(noiseImage(8, 8, 30)))

	img := noiseImage(8, 8, 31)
	img.SetNRGBA(3, 3, color.NRGBA{})
	assert.False(t, opaque(img))
}
