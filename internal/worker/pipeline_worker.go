package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/pipeline"
	"github.com/inkwell/childbook/internal/service"
	"github.com/inkwell/childbook/pkg/response"
)

// Batch is the part of *pipeline.Pipeline the worker drives.
type Batch interface {
	Generate(ctx context.Context, scenes []model.Scene, outDir string, opts pipeline.RemoteOptions) (*model.RunResult, error)
	Upscale(ctx context.Context, srcDir, outDir string, organizeAfter bool, opts pipeline.RemoteOptions) (*model.RunResult, error)
}

// Runs records run state.
type Runs interface {
	Begin(ctx context.Context, runID string) (*model.Run, error)
	UpdateProgress(ctx context.Context, runID string, progress int, step string) error
	Complete(ctx context.Context, runID string, result *model.RunResult) error
	Fail(ctx context.Context, runID string, errMsg string) error
}

// Broadcaster pushes run events to subscribers.
type Broadcaster interface {
	BroadcastProgress(runID string, p model.RunProgress)
	BroadcastComplete(runID string, result *model.RunResult)
	BroadcastCanceled(runID string)
	BroadcastError(runID string, code, message string)
}

// PipelineWorker processes queued generate and upscale runs
type PipelineWorker struct {
	runs    Runs
	batch   Batch
	storage client.StorageClient
	hub     Broadcaster
	paths   config.PathsConfig
	prefix  string
}

// NewPipelineWorker creates a new pipeline worker. storage may be nil, in
// which case results are not mirrored.
func NewPipelineWorker(runs Runs, batch Batch, storage client.StorageClient, hub Broadcaster, cfg *config.Config) *PipelineWorker {
	return &PipelineWorker{
		runs:    runs,
		batch:   batch,
		storage: storage,
		hub:     hub,
		paths:   cfg.Paths,
		prefix:  cfg.R2.Prefix,
	}
}

// ProcessTask handles both pipeline task types
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task service.RunTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	runID := task.RunID

	if _, err := w.runs.Begin(ctx, runID); err != nil {
		if errors.Is(err, service.ErrRunCanceled) {
			log.Printf("[Worker] Run %s was canceled before it started", runID)
			return nil
		}
		return fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	log.Printf("[Worker] Starting %s run %s", t.Type(), runID)
	w.hub.BroadcastProgress(runID, model.RunProgress{Step: "Starting"})

	var (
		res    *model.RunResult
		outDir string
		err    error
	)
	switch t.Type() {
	case service.TaskTypeGenerate:
		res, outDir, err = w.generate(ctx, runID, task.Payload)
	case service.TaskTypeUpscale:
		res, outDir, err = w.upscale(ctx, runID, task.Payload)
	default:
		err = fmt.Errorf("unknown task type %q", t.Type())
	}

	if errors.Is(err, service.ErrRunCanceled) {
		log.Printf("[Worker] Run %s canceled", runID)
		w.hub.BroadcastCanceled(runID)
		return nil
	}
	if err != nil {
		w.failRun(ctx, runID, err.Error())
		return fmt.Errorf("run %s: %v: %w", runID, err, asynq.SkipRetry)
	}

	res.RunID = runID
	res.Mirrored = w.mirror(ctx, runID, outDir, res.Files)

	if err := w.runs.Complete(ctx, runID, res); err != nil {
		if errors.Is(err, service.ErrRunCanceled) {
			w.hub.BroadcastCanceled(runID)
			return nil
		}
		w.failRun(ctx, runID, "Failed to save result")
		return err
	}
	w.hub.BroadcastComplete(runID, res)

	log.Printf("[Worker] Run %s completed: %d processed, %d skipped, %d failed",
		runID, res.Processed, len(res.Skipped), len(res.Failed))
	return nil
}

func (w *PipelineWorker) generate(ctx context.Context, runID string, raw json.RawMessage) (*model.RunResult, string, error) {
	var req model.GenerateRunRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, "", fmt.Errorf("invalid generate payload: %w", err)
	}
	outDir := req.OutputDir
	if outDir == "" {
		outDir = w.paths.GenOutput
	}

	res, err := w.batch.Generate(ctx, req.Scenes, outDir, pipeline.RemoteOptions{
		KeepAlive: req.KeepAlive,
		Machine:   req.Machine,
		Progress:  w.progress(ctx, runID),
	})
	return res, outDir, err
}

func (w *PipelineWorker) upscale(ctx context.Context, runID string, raw json.RawMessage) (*model.RunResult, string, error) {
	var req model.UpscaleRunRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, "", fmt.Errorf("invalid upscale payload: %w", err)
	}
	srcDir, outDir := req.SourceDir, req.OutputDir
	if srcDir == "" {
		srcDir = w.paths.UpscaleSource
	}
	if outDir == "" {
		outDir = w.paths.UpscaleOutput
	}

	res, err := w.batch.Upscale(ctx, srcDir, outDir, req.Organize, pipeline.RemoteOptions{
		KeepAlive: req.KeepAlive,
		Machine:   req.Machine,
		Progress:  w.progress(ctx, runID),
	})
	return res, outDir, err
}

// progress maps batch progress onto 5..95 percent. It stops the batch
// once the run has been canceled.
func (w *PipelineWorker) progress(ctx context.Context, runID string) pipeline.ProgressFunc {
	return func(done, total int, step string) error {
		pct := 95
		if total > 0 {
			pct = 5 + done*90/total
		}
		if err := w.runs.UpdateProgress(ctx, runID, pct, step); err != nil {
			if errors.Is(err, service.ErrRunCanceled) {
				return err
			}
			log.Printf("[Worker] Failed to update progress of %s: %v", runID, err)
		}
		w.hub.BroadcastProgress(runID, model.RunProgress{Percent: pct, Done: done, Total: total, Step: step})
		return nil
	}
}

// mirror uploads files to object storage under <prefix>/<runID>/, keeping
// their path relative to outDir. Upload failures are logged and skipped.
func (w *PipelineWorker) mirror(ctx context.Context, runID, outDir string, files []string) []string {
	if w.storage == nil || len(files) == 0 {
		return nil
	}

	var urls []string
	for _, f := range files {
		rel, err := filepath.Rel(outDir, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(f)
		}
		url, err := w.storage.UploadFile(ctx, client.ObjectKey(w.prefix, runID, rel), f)
		if err != nil {
			log.Printf("[Worker] Failed to mirror %s: %v", filepath.Base(f), err)
			continue
		}
		urls = append(urls, url)
	}
	log.Printf("[Worker] Mirrored %d of %d file(s) for run %s", len(urls), len(files), runID)
	return urls
}

func (w *PipelineWorker) failRun(ctx context.Context, runID, errMsg string) {
	if err := w.runs.Fail(ctx, runID, errMsg); err != nil {
		log.Printf("[Worker] Failed to mark run %s as failed: %v", runID, err)
	}
	w.hub.BroadcastError(runID, response.CodeRunFailed, errMsg)
}
