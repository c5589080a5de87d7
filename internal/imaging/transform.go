package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// ScaleMode selects which side of the image is driven to the target size.
type ScaleMode int

const (
	// ScaleLongSide shrinks the long side down to the target; smaller
	// images are left alone.
	ScaleLongSide ScaleMode = iota + 1
	// ScaleShortSide sets the short side to the target, shrinking or
	// enlarging as needed.
	ScaleShortSide
)

// ScaledSize computes the output size for (w, h). Portrait results narrower
// than minWidth are widened to minWidth keeping the aspect ratio. ok is
// false when no resize is needed.
func ScaledSize(w, h, target, minWidth int, mode ScaleMode) (nw, nh int, ok bool) {
	if w <= 0 || h <= 0 || target <= 0 {
		return w, h, false
	}
	long, short := w, h
	if h > w {
		long, short = h, w
	}

	var ratio float64
	switch mode {
	case ScaleLongSide:
		if long <= target {
			return w, h, false
		}
		ratio = float64(target) / float64(long)
	case ScaleShortSide:
		ratio = float64(target) / float64(short)
	default:
		return w, h, false
	}

	nw = int(float64(w) * ratio)
	nh = int(float64(h) * ratio)
	if h > w && nw < minWidth {
		nw = minWidth
		nh = int(float64(minWidth) / float64(w) * float64(h))
	}
	if nw == w && nh == h {
		return w, h, false
	}
	return nw, nh, true
}

// Scale resizes img per ScaledSize using Catmull-Rom resampling.
func Scale(img image.Image, target, minWidth int, mode ScaleMode) image.Image {
	b := img.Bounds()
	nw, nh, ok := ScaledSize(b.Dx(), b.Dy(), target, minWidth, mode)
	if !ok {
		return img
	}
	out := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// ScaleFile scales srcPath into dstPath.
func ScaleFile(srcPath, dstPath string, target, minWidth int, mode ScaleMode) error {
	img, _, err := Open(srcPath)
	if err != nil {
		return err
	}
	return Save(dstPath, Scale(img, target, minWidth, mode))
}

// Crop copies the part of img inside r. r is taken in img's coordinate
// space and clipped to its bounds.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// CropFile crops srcPath to r and writes dstPath.
func CropFile(srcPath, dstPath string, r image.Rectangle) error {
	img, _, err := Open(srcPath)
	if err != nil {
		return err
	}
	r = r.Add(img.Bounds().Min)
	return Save(dstPath, Crop(img, r))
}
