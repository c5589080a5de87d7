package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/retry"
)

// Seeds are 15-digit integers.
const (
	seedMin int64 = 100_000_000_000_000
	seedMax int64 = 1_000_000_000_000_000
)

// NewSeed returns a random sampler seed in [10^14, 10^15).
func NewSeed() int64 {
	return seedMin + rand.Int64N(seedMax-seedMin)
}

// StyleRequest describes one illustration to generate.
type StyleRequest struct {
	Style   model.Style
	Prompt  string
	SaveDir string
	// Name is the output file prefix. Defaults to <style>_<unix time>.
	Name string
	// BatchSize overrides the style's configured batch size when > 0.
	BatchSize int
}

// GenerateService builds the style and upscale jobs and runs them with
// the outer retry loop on top of the workflow protocol.
type GenerateService struct {
	workflow *WorkflowService
	cfg      *config.Config

	now     func() time.Time
	sleep   retry.SleepFunc
	newSeed func() int64

	mu   sync.Mutex
	jobs map[string]model.JobDescription
}

// NewGenerateService creates a new generate service
func NewGenerateService(w *WorkflowService, cfg *config.Config) *GenerateService {
	return &GenerateService{
		workflow: w,
		cfg:      cfg,
		now:      time.Now,
		sleep:    retry.SleepContext,
		newSeed:  NewSeed,
		jobs:     make(map[string]model.JobDescription),
	}
}

// SetClock replaces the time source and sleeper of the outer loop.
func (s *GenerateService) SetClock(now func() time.Time, sleep retry.SleepFunc) {
	s.now = now
	s.sleep = sleep
}

// SetSeed replaces the seed source.
func (s *GenerateService) SetSeed(fn func() int64) {
	s.newSeed = fn
}

func (s *GenerateService) loadJob(name string) (model.JobDescription, error) {
	path := s.cfg.WorkflowPath(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[path]; ok {
		return job.Clone(), nil
	}
	job, err := model.LoadJobDescription(path)
	if err != nil {
		return nil, err
	}
	s.jobs[path] = job
	return job.Clone(), nil
}

// GenerateStyle renders prompt with the style's workflow and returns the
// saved files. One seed is drawn per call and reused across retries.
func (s *GenerateService) GenerateStyle(ctx context.Context, endpoint string, req StyleRequest) ([]string, error) {
	sc, ok := s.cfg.Styles[req.Style]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStyle, req.Style)
	}

	job, err := s.loadJob(sc.WorkflowFile)
	if err != nil {
		return nil, err
	}

	batch := sc.BatchSize
	if req.BatchSize > 0 {
		batch = req.BatchSize
	}
	seed := s.newSeed()
	if err := job.SetInput(sc.SeedNode, "seed", seed); err != nil {
		return nil, err
	}
	for _, node := range sc.BatchNodes {
		if err := job.SetInput(node, "batch_size", batch); err != nil {
			return nil, err
		}
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", req.Style, s.now().Unix())
	}

	log.Printf("[Generate] %s: seed=%d batch=%d name=%s", req.Style, seed, batch, name)
	inputs := []model.JobInput{{NodeID: sc.TextNode, Kind: model.InputText, Text: req.Prompt}}
	return s.run(ctx, string(req.Style), endpoint, job, inputs, req.SaveDir, name)
}

// Upscale runs the upscale workflow on a local image and returns the
// first saved file. The output is named after the input's basename up to
// its first dot.
func (s *GenerateService) Upscale(ctx context.Context, endpoint, imagePath, saveDir string) (string, error) {
	uc := s.cfg.Upscale
	job, err := s.loadJob(uc.WorkflowFile)
	if err != nil {
		return "", err
	}

	seed := s.newSeed()
	if err := job.SetInput(uc.SeedNode, "seed", seed); err != nil {
		return "", err
	}

	name, _, _ := strings.Cut(filepath.Base(imagePath), ".")
	log.Printf("[Generate] upscale %s: seed=%d", filepath.Base(imagePath), seed)

	inputs := []model.JobInput{{NodeID: uc.ImageNode, Kind: model.InputImage, ImagePath: imagePath}}
	files, err := s.run(ctx, "upscale", endpoint, job, inputs, saveDir, name)
	if err != nil {
		return "", err
	}
	return files[0], nil
}

// run executes job with the outer retry loop. Empty outputs wait a fixed
// delay, other failures back off exponentially.
func (s *GenerateService) run(ctx context.Context, label, endpoint string, job model.JobDescription, inputs []model.JobInput, saveDir, name string) ([]string, error) {
	wf := s.cfg.Workflow
	var files []string

	policy := retry.Policy{
		MaxAttempts: wf.OuterAttempts,
		BaseDelay:   wf.BaseDelay,
		Sleep:       s.sleep,
		DelayFor: func(_ int, err error) time.Duration {
			if errors.Is(err, ErrEmptyOutputs) {
				return wf.EmptyOutputDelay
			}
			return -1
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			log.Printf("[Generate] %s attempt %d/%d failed: %v; retrying in %s", label, attempt, wf.OuterAttempts, err, wait)
		},
	}

	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		outputs, err := s.workflow.Execute(ctx, endpoint, job, inputs)
		if err != nil {
			return err
		}
		if outputs.Count() == 0 {
			return ErrEmptyOutputs
		}
		files, err = s.workflow.Download(ctx, endpoint, outputs, saveDir, name)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed after retries: %w", label, err)
	}

	log.Printf("[Generate] %s produced %d file(s)", label, len(files))
	return files, nil
}
