package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/organize"
	"github.com/inkwell/childbook/internal/service"
)

var upscaleExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// GenerateFromManifest generates every scene of the retry manifest when it
// exists, otherwise of the generation manifest. Each manifest has its own
// output folder.
func (p *Pipeline) GenerateFromManifest(ctx context.Context, opts RemoteOptions) (*model.RunResult, error) {
	paths := p.cfg.Paths
	manifestPath, outDir := paths.RetryManifest, paths.RetryOutput
	if !p.manifests.Exists(manifestPath) {
		manifestPath, outDir = paths.GenManifest, paths.GenOutput
		if !p.manifests.Exists(manifestPath) {
			return nil, fmt.Errorf("%w: neither %s nor %s", ErrNoManifest, paths.RetryManifest, paths.GenManifest)
		}
	}

	scenes, err := p.manifests.Scenes(manifestPath)
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoScenes, manifestPath)
	}

	log.Printf("[Pipeline] Loaded %d scene(s) from %s", len(scenes), filepath.Base(manifestPath))
	return p.Generate(ctx, scenes, outDir, opts)
}

// Generate renders each scene into outDir. Scenes with an unconfigured
// style are skipped; a failing scene is recorded and the batch goes on.
func (p *Pipeline) Generate(ctx context.Context, scenes []model.Scene, outDir string, opts RemoteOptions) (*model.RunResult, error) {
	total := len(scenes)
	return p.remote(ctx, "gen", total, p.cfg.Instance.GenDuration, opts, func(ctx context.Context, endpoint string, res *model.RunResult) error {
		for i, scene := range scenes {
			if err := opts.report(i, total, fmt.Sprintf("Generating %s (%d/%d)", scene.FileName, i+1, total)); err != nil {
				return err
			}

			if _, ok := p.cfg.Styles[scene.Style]; !ok {
				log.Printf("[Pipeline] Unsupported style %q for %s", scene.Style, scene.FileName)
				res.Skipped = append(res.Skipped, scene.FileName)
				continue
			}

			log.Printf("[Pipeline] Generating %s (%s)", scene.FileName, scene.Style)
			files, err := p.generator.GenerateStyle(ctx, endpoint, service.StyleRequest{
				Style:   scene.Style,
				Prompt:  scene.Prompt,
				SaveDir: outDir,
				Name:    scene.FileName,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[Pipeline] Scene %s failed: %v", scene.FileName, err)
				res.Failed = append(res.Failed, scene.FileName)
				continue
			}
			res.Processed++
			res.Files = append(res.Files, files...)
		}
		return opts.report(total, total, "Done")
	})
}

// Upscale upscales every image directly inside srcDir into outDir, in name
// order. Images already present in outDir (or its style folder) are
// skipped. With organizeAfter the output is sorted into style folders
// even when the batch failed.
func (p *Pipeline) Upscale(ctx context.Context, srcDir, outDir string, organizeAfter bool, opts RemoteOptions) (*model.RunResult, error) {
	images, err := p.organizer.ListImages(srcDir, upscaleExtensions...)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, srcDir)
	}
	if err := p.fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	total := len(images)
	res, err := p.remote(ctx, "upscale", total, p.cfg.Instance.UpscaleDuration, opts, func(ctx context.Context, endpoint string, res *model.RunResult) error {
		for i, img := range images {
			name := filepath.Base(img)
			if err := opts.report(i, total, fmt.Sprintf("Upscaling %s (%d/%d)", name, i+1, total)); err != nil {
				return err
			}

			if p.alreadyUpscaled(outDir, strings.TrimSuffix(name, filepath.Ext(name))) {
				log.Printf("[Pipeline] %s already upscaled, skipping", name)
				res.Skipped = append(res.Skipped, name)
				continue
			}

			out, err := p.generator.Upscale(ctx, endpoint, img, outDir)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[Pipeline] Upscale of %s failed: %v", name, err)
				res.Failed = append(res.Failed, name)
				continue
			}
			res.Processed++
			res.Files = append(res.Files, out)
		}
		return opts.report(total, total, "Done")
	})

	if organizeAfter {
		report, oerr := p.organizer.ByStyle(outDir)
		if oerr != nil {
			log.Printf("[Pipeline] Failed to organize %s: %v", outDir, oerr)
		} else if res != nil {
			res.Files = relocated(res.Files, report.Moved)
		}
	}
	return res, err
}

func (p *Pipeline) alreadyUpscaled(outDir, base string) bool {
	if p.organizer.HasFileWithPrefix(outDir, base) {
		return true
	}
	if style, ok := organize.StyleOf(base); ok {
		return p.organizer.HasFileWithPrefix(filepath.Join(outDir, style), base)
	}
	return false
}

// relocated maps files to their new location after a move, matching by
// base name.
func relocated(files, moved []string) []string {
	byName := make(map[string]string, len(moved))
	for _, m := range moved {
		byName[filepath.Base(m)] = m
	}
	out := make([]string, len(files))
	for i, f := range files {
		if m, ok := byName[filepath.Base(f)]; ok {
			out[i] = m
		} else {
			out[i] = f
		}
	}
	return out
}
