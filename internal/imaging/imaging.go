package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrImageUnreadable  = errors.New("image unreadable")
	ErrImageWriteError  = errors.New("image write failed")
	ErrUnsupportedImage = errors.New("unsupported image format")
)

// ImageExtensions are the file suffixes the pipeline treats as images.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp", ".tif", ".tiff"}

// IsImage reports whether name has one of ImageExtensions (case-insensitive).
func IsImage(name string) bool {
	return HasExtension(name, ImageExtensions...)
}

// HasExtension reports whether name ends with any of exts, ignoring case.
func HasExtension(name string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// ReadSize decodes only the header of the image at path.
func ReadSize(path string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, path, err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// Open decodes the image at path and returns it with its format name.
func Open(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrImageUnreadable, path, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrImageUnreadable, path, err)
	}
	return img, format, nil
}

// Save encodes img to path using the format implied by the extension.
// The file is replaced atomically, so path may be one of the sources.
func Save(path string, img image.Image) error {
	enc, err := encoderFor(path)
	if err != nil {
		return err
	}
	return WriteAtomic(path, func(w io.Writer) error {
		return enc(w, img)
	})
}

// WriteAtomic writes through a temp file next to path and renames it into
// place. An existing file keeps its permissions, new files get 0644. Any
// failure is reported as ErrImageWriteError.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrImageWriteError, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageWriteError, path, err)
	}
	tmpName := tmp.Name()

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", ErrImageWriteError, path, err)
	}

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrImageWriteError, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrImageWriteError, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrImageWriteError, path, err)
	}
	return nil
}

type encodeFunc func(io.Writer, image.Image) error

func encoderFor(path string) (encodeFunc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode, nil
	case ".jpg", ".jpeg":
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: 95})
		}, nil
	case ".gif":
		return func(w io.Writer, img image.Image) error {
			return gif.Encode(w, img, nil)
		}, nil
	case ".tif", ".tiff":
		return func(w io.Writer, img image.Image) error {
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
		}, nil
	case ".bmp":
		return bmp.Encode, nil
	default:
		return nil, fmt.Errorf("%w: %w: cannot encode %q", ErrImageWriteError, ErrUnsupportedImage, filepath.Ext(path))
	}
}
