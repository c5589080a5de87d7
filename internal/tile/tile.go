package tile

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/inkwell/childbook/internal/imaging"
)

var (
	ErrInvalidGridSpec     = errors.New("invalid tile grid")
	ErrTileIndexOutOfRange = errors.New("tile index out of range")
	ErrImageTooSmall       = errors.New("image smaller than tile")
)

// Grid describes a fixed tile size laid over an image in Columns x Rows
// evenly spaced positions. Tiles may overlap.
type Grid struct {
	Image   image.Point
	Tile    image.Point
	Columns int
	Rows    int
}

// Validate checks the grid counts and that a tile fits inside the image.
func (g Grid) Validate() error {
	if g.Columns < 2 || g.Rows < 2 {
		return fmt.Errorf("%w: counts must be >= 2, got %dx%d", ErrInvalidGridSpec, g.Columns, g.Rows)
	}
	if g.Tile.X <= 0 || g.Tile.Y <= 0 {
		return fmt.Errorf("%w: tile size must be positive, got %dx%d", ErrInvalidGridSpec, g.Tile.X, g.Tile.Y)
	}
	if g.Image.X < g.Tile.X || g.Image.Y < g.Tile.Y {
		return fmt.Errorf("%w: image %dx%d, tile %dx%d", ErrImageTooSmall, g.Image.X, g.Image.Y, g.Tile.X, g.Tile.Y)
	}
	return nil
}

// Origin returns the top-left pixel of tile (col, row), both 1-based.
func (g Grid) Origin(col, row int) (image.Point, error) {
	if g.Columns < 2 || g.Rows < 2 {
		return image.Point{}, fmt.Errorf("%w: counts must be >= 2, got %dx%d", ErrInvalidGridSpec, g.Columns, g.Rows)
	}
	if col < 1 || col > g.Columns {
		return image.Point{}, fmt.Errorf("%w: x index %d not in [1, %d]", ErrTileIndexOutOfRange, col, g.Columns)
	}
	if row < 1 || row > g.Rows {
		return image.Point{}, fmt.Errorf("%w: y index %d not in [1, %d]", ErrTileIndexOutOfRange, row, g.Rows)
	}
	if err := g.Validate(); err != nil {
		return image.Point{}, err
	}

	return image.Point{
		X: axisOrigin(g.Image.X, g.Tile.X, g.Columns, col),
		Y: axisOrigin(g.Image.Y, g.Tile.Y, g.Rows, row),
	}, nil
}

// Rect returns the full rectangle covered by tile (col, row).
func (g Grid) Rect(col, row int) (image.Rectangle, error) {
	p, err := g.Origin(col, row)
	if err != nil {
		return image.Rectangle{}, err
	}
	return image.Rectangle{Min: p, Max: p.Add(g.Tile)}, nil
}

// Origin computes the top-left offset of the tile at index (1-based per
// axis) for an image of imageSize divided into counts tiles of tileSize.
func Origin(imageSize, tileSize, counts, index image.Point) (image.Point, error) {
	g := Grid{Image: imageSize, Tile: tileSize, Columns: counts.X, Rows: counts.Y}
	return g.Origin(index.X, index.Y)
}

// OriginOfFile is Origin with the image size read from the file header.
func OriginOfFile(path string, tileSize, counts, index image.Point) (image.Point, error) {
	size, err := imaging.ReadSize(path)
	if err != nil {
		return image.Point{}, err
	}
	return Origin(size, tileSize, counts, index)
}

// axisOrigin spreads count origins evenly over [0, imageDim-tileDim].
// Rounding is half-to-even; the first and last tiles are pinned to the
// exact edges.
func axisOrigin(imageDim, tileDim, count, index int) int {
	if index == 1 {
		return 0
	}
	last := imageDim - tileDim
	if index == count {
		return last
	}
	step := float64(last) / float64(count-1)
	return int(math.RoundToEven(float64(index-1) * step))
}
