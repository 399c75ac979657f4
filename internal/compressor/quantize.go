package compressor

import (
	"image"
	"image/color"
	"image/color/palette"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// paletteByName returns the quantization palette. A fully transparent entry
// is added only when alpha is set, so opaque images keep every colour.
func paletteByName(name string, alpha bool) color.Palette {
	switch strings.ToLower(name) {
	case PalettePlan9:
		base := make(color.Palette, len(palette.Plan9))
		copy(base, palette.Plan9)
		if alpha {
			// Plan9 is already full; give up the entry closest to another.
			base[redundantEntry(base)] = color.RGBA{}
		}
		return base
	default:
		base := make(color.Palette, len(palette.WebSafe), len(palette.WebSafe)+1)
		copy(base, palette.WebSafe)
		if alpha {
			base = append(base, color.RGBA{})
		}
		return base
	}
}

// redundantEntry returns the index of the second entry of the closest pair
// of colours in pal. Pure black and white are never chosen.
func redundantEntry(pal color.Palette) int {
	black := color.RGBA{A: 0xff}
	white := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	idx, best := len(pal)-2, int64(-1)
	for i := range pal {
		for j := i + 1; j < len(pal); j++ {
			if sameColor(pal[j], black) || sameColor(pal[j], white) {
				continue
			}
			d := distance(pal[i], pal[j])
			if best < 0 || d < best {
				idx, best = j, d
			}
		}
	}
	return idx
}

func sameColor(a, b color.Color) bool {
	return distance(a, b) == 0
}

func distance(a, b color.Color) int64 {
	r1, g1, b1, a1 := a.RGBA()
	r2, g2, b2, a2 := b.RGBA()
	dr, dg, db, da := int64(r1)-int64(r2), int64(g1)-int64(g2), int64(b1)-int64(b2), int64(a1)-int64(a2)
	return dr*dr + dg*dg + db*db + da*da
}

// opaque reports whether img has no transparent pixels. Images that cannot
// tell are treated as having alpha.
func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

// quantize maps img onto pal with Floyd-Steinberg error diffusion.
func quantize(img image.Image, pal color.Palette) *image.Paletted {
	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal)
	xdraw.FloydSteinberg.Draw(dst, dst.Bounds(), img, b.Min)
	return dst
}
