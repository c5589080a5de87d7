package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/inkwell/childbook/internal/model"
)

const (
	TaskTypeGenerate = "pipeline:generate"
	TaskTypeUpscale  = "pipeline:upscale"

	// QueuePipeline is served with concurrency 1.
	QueuePipeline = "pipeline"

	runTTL = 24 * time.Hour

	maxRunUpdateAttempts = 5
)

var errRunUnchanged = errors.New("run unchanged")

// TaskEnqueuer is the part of *asynq.Client the run service needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RunTask is the asynq payload of a pipeline run.
type RunTask struct {
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload"`
}

// RunService handles pipeline run records
type RunService struct {
	redis       *redis.Client
	asynqClient TaskEnqueuer
	now         func() time.Time

	// afterLoad, when set, runs between reading and writing a run record.
	afterLoad func(runID string)
}

func NewRunService(redisClient *redis.Client, asynqClient TaskEnqueuer) *RunService {
	return &RunService{
		redis:       redisClient,
		asynqClient: asynqClient,
		now:         time.Now,
	}
}

// StartGenerate queues a generation run
func (s *RunService) StartGenerate(ctx context.Context, req *model.GenerateRunRequest) (*model.RunStartResponse, error) {
	return s.start(ctx, model.RunTypeGenerate, TaskTypeGenerate, req)
}

// StartUpscale queues an upscale run
func (s *RunService) StartUpscale(ctx context.Context, req *model.UpscaleRunRequest) (*model.RunStartResponse, error) {
	return s.start(ctx, model.RunTypeUpscale, TaskTypeUpscale, req)
}

func (s *RunService) start(ctx context.Context, runType, taskType string, req any) (*model.RunStartResponse, error) {
	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	run := &model.Run{
		ID:        uuid.New().String(),
		Type:      runType,
		Status:    model.RunStatusQueued,
		Payload:   payloadBytes,
		CreatedAt: s.now(),
	}

	// Save run to Redis
	if err := s.saveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	data, err := json.Marshal(RunTask{RunID: run.ID, Payload: payloadBytes})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// Runs are never retried by the queue.
	_, err = s.asynqClient.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(0),
		asynq.Retention(runTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.RunStartResponse{RunID: run.ID, Status: run.Status}, nil
}

// GetStatus returns the current status of a run
func (s *RunService) GetStatus(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &model.RunStatusResponse{
		RunID:       run.ID,
		Type:        run.Type,
		Status:      run.Status,
		Progress:    run.Progress,
		CurrentStep: run.CurrentStep,
		Error:       run.Error,
	}, nil
}

// GetResult returns the result of a finished run
func (s *RunService) GetResult(ctx context.Context, runID string) (*model.RunResult, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != model.RunStatusSucceeded {
		return nil, ErrRunNotComplete
	}

	var result model.RunResult
	if err := json.Unmarshal(run.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &result, nil
}

// Cancel marks a run as canceled. The worker notices on its next progress
// update.
func (s *RunService) Cancel(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	run, err := s.updateRun(ctx, runID, func(run *model.Run) error {
		if run.Status.IsTerminal() {
			return ErrRunNotCancelable
		}
		run.Status = model.RunStatusCanceled
		now := s.now()
		run.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &model.RunStatusResponse{RunID: run.ID, Type: run.Type, Status: run.Status, Progress: run.Progress}, nil
}

// Begin marks a run as running and returns its record (called by worker)
func (s *RunService) Begin(ctx context.Context, runID string) (*model.Run, error) {
	return s.updateRun(ctx, runID, func(run *model.Run) error {
		if run.Status == model.RunStatusCanceled {
			return ErrRunCanceled
		}
		run.Status = model.RunStatusRunning
		now := s.now()
		run.StartedAt = &now
		return nil
	})
}

// UpdateProgress updates run progress (called by worker). It returns
// ErrRunCanceled once the run was canceled.
func (s *RunService) UpdateProgress(ctx context.Context, runID string, progress int, step string) error {
	_, err := s.updateRun(ctx, runID, func(run *model.Run) error {
		if run.Status == model.RunStatusCanceled {
			return ErrRunCanceled
		}
		run.Progress = progress
		run.CurrentStep = step
		if run.Status == model.RunStatusQueued {
			run.Status = model.RunStatusRunning
			now := s.now()
			run.StartedAt = &now
		}
		return nil
	})
	return err
}

// Complete marks run as succeeded (called by worker)
func (s *RunService) Complete(ctx context.Context, runID string, result *model.RunResult) error {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = s.updateRun(ctx, runID, func(run *model.Run) error {
		if run.Status == model.RunStatusCanceled {
			return ErrRunCanceled
		}
		run.Status = model.RunStatusSucceeded
		run.Progress = 100
		run.Result = resultBytes
		now := s.now()
		run.CompletedAt = &now
		return nil
	})
	return err
}

// Fail marks run as failed (called by worker). Terminal runs are left as
// they are.
func (s *RunService) Fail(ctx context.Context, runID string, errMsg string) error {
	_, err := s.updateRun(ctx, runID, func(run *model.Run) error {
		if run.Status.IsTerminal() {
			return errRunUnchanged
		}
		run.Status = model.RunStatusFailed
		run.Error = &errMsg
		now := s.now()
		run.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errRunUnchanged) {
		return nil
	}
	return err
}

// Helper methods

func (s *RunService) saveRun(ctx context.Context, run *model.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, runKey(run.ID), data, runTTL).Err()
}

// updateRun applies mutate to the stored run under WATCH, so a write that
// races another one is retried against the fresh record. An error from
// mutate aborts without writing.
func (s *RunService) updateRun(ctx context.Context, runID string, mutate func(run *model.Run) error) (*model.Run, error) {
	key := runKey(runID)
	var updated *model.Run

	txf := func(tx *redis.Tx) error {
		run, err := decodeRun(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		if s.afterLoad != nil {
			s.afterLoad(runID)
		}
		if err := mutate(run); err != nil {
			return err
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, runTTL)
			return nil
		})
		if err == nil {
			updated = run
		}
		return err
	}

	for i := 0; i < maxRunUpdateAttempts; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("run %s: update kept conflicting: %w", runID, redis.TxFailedErr)
}

func (s *RunService) getRun(ctx context.Context, runID string) (*model.Run, error) {
	return decodeRun(s.redis.Get(ctx, runKey(runID)).Bytes())
}

func decodeRun(data []byte, err error) (*model.Run, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func runKey(id string) string {
	return fmt.Sprintf("run:%s", id)
}
