package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"
)

const pngHeaderLen = 8 + 25 // signature + IHDR chunk

// EncodeWithPPI encodes img as PNG or JPEG (by format name) with the
// physical pixel density set to ppi.
func EncodeWithPPI(w io.Writer, img image.Image, format string, ppi int) error {
	if ppi <= 0 {
		return fmt.Errorf("ppi must be positive, got %d", ppi)
	}
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, flatten(img)); err != nil {
			return err
		}
		data, err := withPNGDensity(buf.Bytes(), ppi)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "jpeg":
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: 95}); err != nil {
			return err
		}
		_, err := w.Write(withJFIFDensity(buf.Bytes(), ppi))
		return err
	default:
		return fmt.Errorf("%w: cannot stamp density on %q", ErrUnsupportedImage, format)
	}
}

// SetPPIFile re-encodes srcPath into dstPath with the given density.
// Transparency is flattened onto white. Only PNG and JPEG destinations
// are supported.
func SetPPIFile(srcPath, dstPath string, ppi int) error {
	format := formatFromExt(dstPath)
	if format == "" {
		return fmt.Errorf("%w: %w: %s", ErrImageWriteError, ErrUnsupportedImage, dstPath)
	}
	img, _, err := Open(srcPath)
	if err != nil {
		return err
	}
	return WriteAtomic(dstPath, func(w io.Writer) error {
		return EncodeWithPPI(w, img, format, ppi)
	})
}

// ReadPPI returns the horizontal density recorded in a PNG pHYs chunk or a
// JPEG JFIF header, or 0 when none is present.
func ReadPPI(data []byte) int {
	if bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		for off := 8; off+12 <= len(data); {
			n := int(binary.BigEndian.Uint32(data[off:]))
			typ := string(data[off+4 : off+8])
			if typ == "pHYs" && off+8+9 <= len(data) && data[off+16] == 1 {
				ppm := binary.BigEndian.Uint32(data[off+8:])
				return int(math.Round(float64(ppm) * 0.0254))
			}
			if typ == "IDAT" {
				break
			}
			off += 12 + n
		}
		return 0
	}
	if len(data) >= 18 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF && data[3] == 0xE0 &&
		string(data[6:11]) == "JFIF\x00" && data[13] == 1 {
		return int(binary.BigEndian.Uint16(data[14:]))
	}
	return 0
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "png"
	case ".jpg", ".jpeg":
		return "jpeg"
	}
	return ""
}

// withPNGDensity inserts a pHYs chunk right after IHDR.
func withPNGDensity(data []byte, ppi int) ([]byte, error) {
	if len(data) < pngHeaderLen || string(data[12:16]) != "IHDR" {
		return nil, fmt.Errorf("malformed png stream")
	}
	ppm := uint32(math.Round(float64(ppi) / 0.0254))

	chunk := make([]byte, 4+4+9+4)
	binary.BigEndian.PutUint32(chunk[0:], 9)
	copy(chunk[4:], "pHYs")
	binary.BigEndian.PutUint32(chunk[8:], ppm)
	binary.BigEndian.PutUint32(chunk[12:], ppm)
	chunk[16] = 1 // metre
	binary.BigEndian.PutUint32(chunk[17:], crc32.ChecksumIEEE(chunk[4:17]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:pngHeaderLen]...)
	out = append(out, chunk...)
	out = append(out, data[pngHeaderLen:]...)
	return out, nil
}

// withJFIFDensity writes a JFIF APP0 segment with dots-per-inch density,
// replacing an existing one directly after SOI.
func withJFIFDensity(data []byte, ppi int) []byte {
	app0 := []byte{
		0xFF, 0xE0, 0x00, 0x10,
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x01, // version 1.01
		0x01, // dpi
		0, 0, 0, 0,
		0x00, 0x00,
	}
	binary.BigEndian.PutUint16(app0[12:], uint16(ppi))
	binary.BigEndian.PutUint16(app0[14:], uint16(ppi))

	rest := data[2:]
	if len(rest) >= 4 && rest[0] == 0xFF && rest[1] == 0xE0 {
		segLen := int(binary.BigEndian.Uint16(rest[2:]))
		if 2+segLen <= len(rest) {
			rest = rest[2+segLen:]
		}
	}

	out := make([]byte, 0, len(data)+len(app0))
	out = append(out, 0xFF, 0xD8)
	out = append(out, app0...)
	out = append(out, rest...)
	return out
}
