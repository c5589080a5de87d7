// Package organize moves and copies finished images between working
// directories based on their file names.
//
// File names follow <project>-<style>-<scene>[...].<ext>, e.g.
// 1-watercolor-03-girl-drawing.png.
package organize

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/imaging"
)

var (
	styleExtensions   = []string{".png", ".jpg", ".jpeg", ".webp"}
	projectExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".tiff", ".tif"}
	lookupExtensions  = []string{".png", ".jpg", ".jpeg", ".webp"}
)

// Report summarises one organize pass.
type Report struct {
	Found   int
	Moved   []string
	Skipped []string
	Failed  []string
}

// Organizer works on a filesystem.
type Organizer struct {
	fs afero.Fs
}

// New creates an organizer over fs.
func New(fs afero.Fs) *Organizer {
	return &Organizer{fs: fs}
}

// NewOs works on the local disk.
func NewOs() *Organizer {
	return New(afero.NewOsFs())
}

// StyleOf returns the style segment of name, between its first and second
// dash. It needs at least three dash-separated parts.
func StyleOf(name string) (string, bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ProjectOf returns the segment of name before its first dash.
func ProjectOf(name string) (string, bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// ByStyle moves the images directly inside dir into dir/<style>/.
// Subdirectories are not descended into.
func (o *Organizer) ByStyle(dir string) (*Report, error) {
	entries, err := afero.ReadDir(o.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	report := &Report{}
	for _, e := range entries {
		if e.IsDir() || !imaging.HasExtension(e.Name(), styleExtensions...) {
			continue
		}
		report.Found++

		style, ok := StyleOf(e.Name())
		if !ok {
			log.Printf("[Organize] Cannot read style from %s", e.Name())
			report.Skipped = append(report.Skipped, e.Name())
			continue
		}

		dst := filepath.Join(dir, style, e.Name())
		if err := o.move(filepath.Join(dir, e.Name()), dst); err != nil {
			log.Printf("[Organize] Failed to move %s: %v", e.Name(), err)
			report.Failed = append(report.Failed, e.Name())
			continue
		}
		report.Moved = append(report.Moved, dst)
	}

	log.Printf("[Organize] Moved %d of %d image(s) into style folders under %s", len(report.Moved), report.Found, dir)
	return report, nil
}

// ByProject moves every image under src, at any depth, into
// dst/<project>/. Subdirectories of src left empty are removed; src itself
// is kept.
func (o *Organizer) ByProject(src, dst string) (*Report, error) {
	if ok, _ := afero.DirExists(o.fs, src); !ok {
		return nil, fmt.Errorf("source directory %s: %w", src, os.ErrNotExist)
	}

	var files []string
	err := afero.Walk(o.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && imaging.HasExtension(info.Name(), projectExtensions...) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", src, err)
	}

	report := &Report{Found: len(files)}
	touched := make(map[string]bool)
	for _, path := range files {
		name := filepath.Base(path)
		project, ok := ProjectOf(name)
		if !ok {
			log.Printf("[Organize] Cannot read project from %s", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}

		target := filepath.Join(dst, project, name)
		if err := o.move(path, target); err != nil {
			log.Printf("[Organize] Failed to move %s: %v", name, err)
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Moved = append(report.Moved, target)
		if parent := filepath.Dir(path); filepath.Clean(parent) != filepath.Clean(src) {
			touched[parent] = true
		}
	}

	o.removeEmpty(touched)
	log.Printf("[Organize] Moved %d of %d image(s) into project folders under %s", len(report.Moved), report.Found, dst)
	return report, nil
}

// removeEmpty deletes the given directories when they hold nothing.
// Deeper directories go first.
func (o *Organizer) removeEmpty(dirs map[string]bool) {
	list := make([]string, 0, len(dirs))
	for d := range dirs {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })

	for _, d := range list {
		empty, err := afero.IsEmpty(o.fs, d)
		if err != nil || !empty {
			continue
		}
		if err := o.fs.Remove(d); err != nil {
			log.Printf("[Organize] Failed to remove %s: %v", d, err)
			continue
		}
		log.Printf("[Organize] Removed empty folder %s", d)
	}
}

// CopyByPrefix copies every image under src whose name starts with one of
// prefixes into dst, flattening subdirectories. Prefixes match case
// sensitively.
func (o *Organizer) CopyByPrefix(src, dst string, prefixes []string) (*Report, error) {
	var files []string
	err := afero.Walk(o.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && imaging.HasExtension(info.Name(), projectExtensions...) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", src, err)
	}
	if err := o.fs.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	report := &Report{Found: len(files)}
	for _, prefix := range prefixes {
		matched := 0
		for _, path := range files {
			name := filepath.Base(path)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			matched++
			target := filepath.Join(dst, name)
			if err := o.copy(path, target); err != nil {
				log.Printf("[Organize] Failed to copy %s: %v", name, err)
				report.Failed = append(report.Failed, name)
				continue
			}
			report.Moved = append(report.Moved, target)
		}
		if matched == 0 {
			log.Printf("[Organize] No file starts with %q", prefix)
			report.Skipped = append(report.Skipped, prefix)
		}
	}

	log.Printf("[Organize] Copied %d file(s) to %s", len(report.Moved), dst)
	return report, nil
}

// FindByPrefix walks dir and returns the first image whose name starts
// with prefix, ignoring case. Directories are visited in lexical order.
func (o *Organizer) FindByPrefix(dir, prefix string) (string, bool) {
	prefix = strings.ToLower(prefix)
	var found string
	_ = afero.Walk(o.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.HasPrefix(strings.ToLower(name), prefix) && imaging.HasExtension(name, lookupExtensions...) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// ListImages returns the images directly inside dir, sorted by name.
func (o *Organizer) ListImages(dir string, exts ...string) ([]string, error) {
	entries, err := afero.ReadDir(o.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && imaging.HasExtension(e.Name(), exts...) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// HasFileWithPrefix reports whether dir directly holds a file whose name
// starts with prefix.
func (o *Organizer) HasFileWithPrefix(dir, prefix string) bool {
	entries, err := afero.ReadDir(o.fs, dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return true
		}
	}
	return false
}

func (o *Organizer) move(src, dst string) error {
	if err := o.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := o.fs.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across devices; fall back to copy and delete.
	if err := o.copy(src, dst); err != nil {
		return err
	}
	return o.fs.Remove(src)
}

func (o *Organizer) copy(src, dst string) error {
	in, err := o.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := o.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return o.fs.Chtimes(dst, info.ModTime(), info.ModTime())
}
