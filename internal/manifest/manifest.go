// Package manifest reads the CSV sheets that drive each batch step.
package manifest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/model"
)

var (
	ErrMissingColumns = errors.New("manifest is missing required columns")
	ErrEmptyManifest  = errors.New("manifest is empty")
)

// Column names as exported from the planning sheet.
const (
	ColFileName = "file name"
	ColStyle    = "style"
	ColPrompt   = "final prompt"
	ColInpaintX = "inpaint x"
	ColInpaintY = "inpaint y"
)

const utf8BOM = "\ufeff"

// Reader parses manifests from a filesystem.
type Reader struct {
	fs       afero.Fs
	validate *validator.Validate
}

// NewReader creates a manifest reader over fs.
func NewReader(fs afero.Fs) *Reader {
	return &Reader{fs: fs, validate: validator.New()}
}

type table struct {
	path    string
	columns map[string]int
	rows    [][]string
}

func (t *table) get(row []string, col string) string {
	i, ok := t.columns[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (r *Reader) read(path string, required ...string) (*table, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if b, err := br.Peek(len(utf8BOM)); err == nil && string(b) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrEmptyManifest, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	t := &table{path: path, columns: make(map[string]int, len(header))}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := t.columns[name]; !dup {
			t.columns[name] = i
		}
	}

	var missing []string
	for _, col := range required {
		if _, ok := t.columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s lacks %q", ErrMissingColumns, path, missing)
	}

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// Scenes reads the generation manifest. Rows whose prompt is blank are
// dropped, and rows without a file name or style are skipped with a log
// line.
func (r *Reader) Scenes(path string) ([]model.Scene, error) {
	t, err := r.read(path, ColFileName, ColStyle, ColPrompt)
	if err != nil {
		return nil, err
	}

	var scenes []model.Scene
	for i, row := range t.rows {
		scene := model.Scene{
			FileName: t.get(row, ColFileName),
			Style:    model.Style(t.get(row, ColStyle)),
			Prompt:   t.get(row, ColPrompt),
		}
		if scene.Prompt == "" {
			continue
		}
		if err := r.validate.Struct(scene); err != nil {
			log.Printf("[Manifest] %s row %d skipped: %v", path, i+2, err)
			continue
		}
		scenes = append(scenes, scene)
	}
	return scenes, nil
}

// InpaintTargets reads the inpaint manifest: a file prefix plus the
// 1-based tile column and row.
func (r *Reader) InpaintTargets(path string) ([]model.InpaintTarget, error) {
	t, err := r.read(path, ColFileName, ColInpaintX, ColInpaintY)
	if err != nil {
		return nil, err
	}

	var targets []model.InpaintTarget
	for i, row := range t.rows {
		x, errX := parseIndex(t.get(row, ColInpaintX))
		y, errY := parseIndex(t.get(row, ColInpaintY))
		if err := errors.Join(errX, errY); err != nil {
			log.Printf("[Manifest] %s row %d skipped: %v", path, i+2, err)
			continue
		}

		target := model.InpaintTarget{FilePrefix: t.get(row, ColFileName), X: x, Y: y}
		if err := r.validate.Struct(target); err != nil {
			log.Printf("[Manifest] %s row %d skipped: %v", path, i+2, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Prefixes reads the non-empty file name column of a manifest.
func (r *Reader) Prefixes(path string) ([]string, error) {
	t, err := r.read(path, ColFileName)
	if err != nil {
		return nil, err
	}

	var prefixes []string
	for _, row := range t.rows {
		if p := t.get(row, ColFileName); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes, nil
}

// parseIndex accepts integers, including spreadsheet exports like "3.0".
func parseIndex(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid tile index %q", s)
	}
	return int(f), nil
}

// Exists reports whether a manifest file is present.
func (r *Reader) Exists(path string) bool {
	ok, err := afero.Exists(r.fs, path)
	return err == nil && ok
}
