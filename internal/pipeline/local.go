package pipeline

import (
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/imaging"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/tile"
)

// ppiExtensions are the formats that carry a density field we can stamp.
var ppiExtensions = []string{".jpg", ".jpeg", ".png"}

func (p *Pipeline) tileGeometry() (size, counts image.Point) {
	t := p.cfg.Tiles
	return image.Pt(t.Width, t.Height), image.Pt(t.Columns, t.Rows)
}

func tileName(base string, x, y int) string {
	return fmt.Sprintf("%s_%d_%d.png", base, x, y)
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Crop cuts the tile named by each inpaint manifest row out of the
// matching image under srcDir and writes it to outDir as
// <base>_<x>_<y>.png.
func (p *Pipeline) Crop(manifestPath, srcDir, outDir string) (*model.RunResult, error) {
	targets, err := p.manifests.InpaintTargets(manifestPath)
	if err != nil {
		return nil, err
	}
	size, counts := p.tileGeometry()

	res := &model.RunResult{}
	for _, t := range targets {
		src, ok := p.organizer.FindByPrefix(srcDir, t.FilePrefix)
		if !ok {
			log.Printf("[Crop] No image under %s starts with %q", srcDir, t.FilePrefix)
			res.Skipped = append(res.Skipped, t.FilePrefix)
			continue
		}

		origin, err := tile.OriginOfFile(src, size, counts, image.Pt(t.X, t.Y))
		if err != nil {
			log.Printf("[Crop] %s tile (%d, %d): %v", filepath.Base(src), t.X, t.Y, err)
			res.Failed = append(res.Failed, t.FilePrefix)
			continue
		}

		dst := filepath.Join(outDir, tileName(baseName(src), t.X, t.Y))
		if err := imaging.CropFile(src, dst, image.Rectangle{Min: origin, Max: origin.Add(size)}); err != nil {
			log.Printf("[Crop] %s tile (%d, %d): %v", filepath.Base(src), t.X, t.Y, err)
			res.Failed = append(res.Failed, t.FilePrefix)
			continue
		}

		log.Printf("[Crop] %s tile (%d, %d) -> %s", filepath.Base(src), t.X, t.Y, filepath.Base(dst))
		res.Processed++
		res.Files = append(res.Files, dst)
	}
	return res, nil
}

// Paste composites each repaired tile from tileDir back onto its source
// image under targetDir, overwriting the source.
func (p *Pipeline) Paste(manifestPath, tileDir, targetDir string) (*model.RunResult, error) {
	targets, err := p.manifests.InpaintTargets(manifestPath)
	if err != nil {
		return nil, err
	}
	size, counts := p.tileGeometry()

	res := &model.RunResult{}
	for _, t := range targets {
		dst, ok := p.organizer.FindByPrefix(targetDir, t.FilePrefix)
		if !ok {
			log.Printf("[Paste] No image under %s starts with %q", targetDir, t.FilePrefix)
			res.Skipped = append(res.Skipped, t.FilePrefix)
			continue
		}

		tilePath := filepath.Join(tileDir, tileName(baseName(dst), t.X, t.Y))
		if ok, _ := afero.Exists(p.fs, tilePath); !ok {
			log.Printf("[Paste] Repaired tile %s not found", tilePath)
			res.Skipped = append(res.Skipped, t.FilePrefix)
			continue
		}

		origin, err := tile.OriginOfFile(dst, size, counts, image.Pt(t.X, t.Y))
		if err == nil {
			err = imaging.CompositeFile(tilePath, dst, dst, origin)
		}
		if err != nil {
			log.Printf("[Paste] %s onto %s: %v", filepath.Base(tilePath), filepath.Base(dst), err)
			res.Failed = append(res.Failed, t.FilePrefix)
			continue
		}

		log.Printf("[Paste] %s -> %s at %v", filepath.Base(tilePath), filepath.Base(dst), origin)
		res.Processed++
		res.Files = append(res.Files, dst)
	}
	return res, nil
}

// PPI scales every image under srcDir into tempDir and stamps the
// configured density into outDir. Subfolders are mirrored in both.
func (p *Pipeline) PPI(srcDir, outDir, tempDir string) (*model.RunResult, error) {
	cfg := p.cfg.PPI
	res := &model.RunResult{}

	err := afero.Walk(p.fs, srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		if info.IsDir() {
			for _, d := range []string{filepath.Join(outDir, rel), filepath.Join(tempDir, rel)} {
				if err := p.fs.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", d, err)
				}
			}
			return nil
		}
		if !imaging.HasExtension(info.Name(), ppiExtensions...) {
			if imaging.IsImage(info.Name()) {
				log.Printf("[PPI] %s: format has no PPI field, skipped", rel)
				res.Skipped = append(res.Skipped, rel)
			}
			return nil
		}

		source := path
		if cfg.ShortSide > 0 {
			temp := filepath.Join(tempDir, rel)
			if err := imaging.ScaleFile(path, temp, cfg.ShortSide, cfg.MinWidth, imaging.ScaleShortSide); err != nil {
				log.Printf("[PPI] %s: %v", rel, err)
				res.Failed = append(res.Failed, rel)
				return nil
			}
			source = temp
		}

		dst := filepath.Join(outDir, rel)
		if err := imaging.SetPPIFile(source, dst, cfg.Value); err != nil {
			log.Printf("[PPI] %s: %v", rel, err)
			res.Failed = append(res.Failed, rel)
			return nil
		}

		log.Printf("[PPI] %s -> %s", rel, dst)
		res.Processed++
		res.Files = append(res.Files, dst)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to walk %s: %w", srcDir, err)
	}

	log.Printf("[PPI] Processed %d image(s) into %s", res.Processed, outDir)
	return res, nil
}

// OrganizeByStyle sorts the images in dir into style folders.
func (p *Pipeline) OrganizeByStyle(dir string) (*model.RunResult, error) {
	report, err := p.organizer.ByStyle(dir)
	if err != nil {
		return nil, err
	}
	return reportResult(report), nil
}

// OrganizeByProject moves every image under srcDir into per-project
// folders under outDir.
func (p *Pipeline) OrganizeByProject(srcDir, outDir string) (*model.RunResult, error) {
	report, err := p.organizer.ByProject(srcDir, outDir)
	if err != nil {
		return nil, err
	}
	return reportResult(report), nil
}

// Fix copies the images listed in the fix manifest from srcDir into
// outDir for manual repair.
func (p *Pipeline) Fix(manifestPath, srcDir, outDir string) (*model.RunResult, error) {
	prefixes, err := p.manifests.Prefixes(manifestPath)
	if err != nil {
		return nil, err
	}
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoScenes, manifestPath)
	}

	report, err := p.organizer.CopyByPrefix(srcDir, outDir, prefixes)
	if err != nil {
		return nil, err
	}
	return reportResult(report), nil
}
