package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/imaging"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/retry"
)

// WorkflowService runs jobs on an execution endpoint: submit, poll for
// completion, download artifacts.
type WorkflowService struct {
	client client.ExecutionClient

	pollInterval   time.Duration
	pollErrorDelay time.Duration
	timeout        time.Duration
	attempts       int
	baseDelay      time.Duration

	now         func() time.Time
	sleep       retry.SleepFunc
	newClientID func() string
	observer    func(model.ExecutionAttempt)
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(c client.ExecutionClient, cfg *config.WorkflowConfig) *WorkflowService {
	return &WorkflowService{
		client:         c,
		pollInterval:   cfg.PollInterval,
		pollErrorDelay: cfg.PollErrorDelay,
		timeout:        cfg.Timeout,
		attempts:       cfg.InnerAttempts,
		baseDelay:      cfg.BaseDelay,
		now:            time.Now,
		sleep:          retry.SleepContext,
		newClientID:    uuid.NewString,
	}
}

// SetClock replaces the time source and sleeper.
func (s *WorkflowService) SetClock(now func() time.Time, sleep retry.SleepFunc) {
	s.now = now
	s.sleep = sleep
}

// SetObserver registers a callback receiving every execution attempt.
func (s *WorkflowService) SetObserver(fn func(model.ExecutionAttempt)) {
	s.observer = fn
}

// Submit applies inputs to a copy of job and queues it. Image inputs are
// uploaded first. Missing local files and unknown node ids are permanent
// failures.
func (s *WorkflowService) Submit(ctx context.Context, endpoint string, job model.JobDescription, inputs []model.JobInput) (string, error) {
	job = job.Clone()

	for _, in := range inputs {
		if _, ok := job[in.NodeID]; !ok {
			return "", retry.Permanent(fmt.Errorf("%w: %q", model.ErrUnknownNode, in.NodeID))
		}
		if in.Kind.HasImage() {
			if _, err := os.Stat(in.ImagePath); err != nil {
				return "", retry.Permanent(fmt.Errorf("input image for node %s: %w", in.NodeID, err))
			}
		}
	}

	for _, in := range inputs {
		if in.Kind.HasImage() {
			log.Printf("[Workflow] Uploading %s for node %s", filepath.Base(in.ImagePath), in.NodeID)
			name, err := s.client.UploadImage(ctx, endpoint, in.ImagePath)
			if err != nil {
				return "", fmt.Errorf("failed to upload image: %w", err)
			}
			if err := job.SetInput(in.NodeID, "image", name); err != nil {
				return "", retry.Permanent(err)
			}
		}
		if in.Kind.HasText() {
			if err := job.SetInput(in.NodeID, "text", in.Text); err != nil {
				return "", retry.Permanent(err)
			}
		}
	}

	promptID, err := s.client.QueuePrompt(ctx, endpoint, job, s.newClientID())
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	log.Printf("[Workflow] Queued prompt %s", promptID)
	return promptID, nil
}

// AwaitCompletion polls the history of promptID until it reports outputs.
// Polling errors are logged and polling continues after a longer pause.
// No poll is issued once timeout has elapsed.
func (s *WorkflowService) AwaitCompletion(ctx context.Context, endpoint, promptID string, timeout time.Duration) (model.Outputs, error) {
	start := s.now()
	deadline := start.Add(timeout)
	polls := 0

	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: prompt %s after %s", ErrExecutionTimedOut, promptID, timeout)
		}

		polls++
		outputs, err := s.client.GetHistory(ctx, endpoint, promptID)
		wait := s.pollInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Workflow] Poll #%d (prompt=%s) failed: %v", polls, promptID, err)
			wait = s.pollErrorDelay
		case len(outputs) > 0:
			log.Printf("[Workflow] Prompt %s completed in %s after %d poll(s)", promptID, s.now().Sub(start).Round(time.Millisecond), polls)
			return outputs, nil
		}

		if remaining = deadline.Sub(s.now()); wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// Execute runs submit and await with the inner retry policy. When every
// attempt fails the result is an *ExecutionError.
func (s *WorkflowService) Execute(ctx context.Context, endpoint string, job model.JobDescription, inputs []model.JobInput) (model.Outputs, error) {
	var outputs model.Outputs
	attempts := 0

	policy := retry.Policy{
		MaxAttempts: s.attempts,
		BaseDelay:   s.baseDelay,
		Sleep:       s.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			log.Printf("[Workflow] Attempt %d/%d failed: %v; retrying in %s", attempt, s.attempts, err, wait)
		},
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		rec := model.ExecutionAttempt{Index: attempt, StartedAt: s.now()}

		promptID, err := s.Submit(ctx, endpoint, job, inputs)
		if err == nil {
			outputs, err = s.AwaitCompletion(ctx, endpoint, promptID, s.timeout)
		}

		switch {
		case err == nil:
			rec.Outcome = model.AttemptSuccess
		case retry.IsPermanent(err):
			rec.Outcome = model.AttemptFatal
		default:
			rec.Outcome = model.AttemptRetryable
		}
		rec.Err = err
		if s.observer != nil {
			s.observer(rec)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutionError{Attempts: attempts, Last: err}
	}
	return outputs, nil
}

// Download fetches every artifact into saveDir. A node with one image
// yields name.ext, a node with several yields name_1.ext, name_2.ext...
// Nodes are visited in ascending id order.
func (s *WorkflowService) Download(ctx context.Context, endpoint string, outputs model.Outputs, saveDir, name string) ([]string, error) {
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", saveDir, err)
	}

	var saved []string
	used := make(map[string]bool)

	for _, nodeID := range sortedNodeIDs(outputs) {
		images := outputs[nodeID].Images
		for idx, art := range images {
			if art.Type == "" {
				art.Type = "output"
			}
			ext := strings.TrimPrefix(filepath.Ext(art.Filename), ".")
			if ext == "" {
				ext = "png"
			}

			base := name
			if len(images) > 1 {
				base = fmt.Sprintf("%s_%d", name, idx+1)
			}
			path := filepath.Join(saveDir, base+"."+ext)
			if used[path] {
				path = filepath.Join(saveDir, fmt.Sprintf("%s_%s.%s", base, nodeID, ext))
			}

			log.Printf("[Workflow] Downloading %d/%d of node %s: %s", idx+1, len(images), nodeID, art.Filename)
			var buf bytes.Buffer
			if err := s.client.View(ctx, endpoint, art, &buf); err != nil {
				return saved, fmt.Errorf("failed to download %s: %w", art.Filename, err)
			}
			if err := imaging.WriteAtomic(path, func(w io.Writer) error {
				_, err := buf.WriteTo(w)
				return err
			}); err != nil {
				return saved, err
			}

			used[path] = true
			saved = append(saved, path)
		}
	}

	if len(saved) == 0 {
		return nil, ErrNoArtifacts
	}
	log.Printf("[Workflow] Saved %d file(s) to %s", len(saved), saveDir)
	return saved, nil
}

// sortedNodeIDs orders numeric ids numerically and the rest lexically.
func sortedNodeIDs(outputs model.Outputs) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return ids[i] < ids[j]
	})
	return ids
}
