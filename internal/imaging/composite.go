package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Composite pastes top onto base with top's upper-left corner at origin.
// The parts of top outside base are clipped; origin may be negative.
// When top carries transparency it is alpha blended, otherwise it
// overwrites the covered pixels. base is never modified.
func Composite(top, base image.Image, origin image.Point) image.Image {
	placed := top.Bounds().Sub(top.Bounds().Min).Add(origin)
	area := placed.Intersect(base.Bounds().Sub(base.Bounds().Min))
	if area.Empty() {
		return base
	}

	out := toNRGBA(base)

	op := draw.Src
	if hasAlpha(top) {
		op = draw.Over
	}
	src := area.Min.Sub(origin).Add(top.Bounds().Min)
	draw.Draw(out, area, top, src, op)

	return out
}

// CompositeFile reads both images, composites and writes dstPath.
// dstPath may equal basePath.
func CompositeFile(topPath, basePath, dstPath string, origin image.Point) error {
	top, _, err := Open(topPath)
	if err != nil {
		return err
	}
	base, _, err := Open(basePath)
	if err != nil {
		return err
	}
	return Save(dstPath, Composite(top, base, origin))
}

// toNRGBA returns a copy of img in NRGBA with bounds rebased to (0,0).
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// hasAlpha reports whether the image model carries a transparency channel.
func hasAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64,
		*image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return true
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
		return false
	case *image.Gray, *image.Gray16, *image.YCbCr, *image.CMYK:
		return false
	}
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model, color.YCbCrModel, color.CMYKModel:
		return false
	}
	return true
}

// flatten drops transparency by compositing over white.
func flatten(img image.Image) image.Image {
	if !hasAlpha(img) {
		return img
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}
