package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/model"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueuePipeline}, nil
}

func newTestRunService(t *testing.T) (*RunService, *fakeEnqueuer, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	enq := &fakeEnqueuer{}
	return NewRunService(rdb, enq), enq, mr
}

func TestRunService_StartGenerate(t *testing.T) {
	s, enq, mr := newTestRunService(t)
	ctx := context.Background()

	req := &model.GenerateRunRequest{Scenes: []model.Scene{
		{FileName: "book1-watercolor-01", Style: model.StyleWatercolor, Prompt: "a fox"},
	}}
	resp, err := s.StartGenerate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, resp.Status)
	assert.NotEmpty(t, resp.RunID)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskTypeGenerate, enq.tasks[0].Type())

	var task RunTask
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &task))
	assert.Equal(t, resp.RunID, task.RunID)

	var got model.GenerateRunRequest
	require.NoError(t, json.Unmarshal(task.Payload, &got))
	assert.Equal(t, *req, got)

	assert.True(t, mr.Exists("run:"+resp.RunID))
	assert.Equal(t, 24*time.Hour, mr.TTL("run:"+resp.RunID))
}

func TestRunService_Lifecycle(t *testing.T) {
	s, _, _ := newTestRunService(t)
	ctx := context.Background()

	resp, err := s.StartUpscale(ctx, &model.UpscaleRunRequest{Organize: true})
	require.NoError(t, err)

	_, err = s.GetResult(ctx, resp.RunID)
	assert.ErrorIs(t, err, ErrRunNotComplete)

	run, err := s.Begin(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.JSONEq(t, `{"organize": true}`, string(run.Payload))

	require.NoError(t, s.UpdateProgress(ctx, resp.RunID, 40, "Upscaling 2/5"))
	status, err := s.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, 40, status.Progress)
	assert.Equal(t, "Upscaling 2/5", status.CurrentStep)

	want := &model.RunResult{RunID: resp.RunID, Processed: 5, Files: []string{"a.png"}}
	require.NoError(t, s.Complete(ctx, resp.RunID, want))

	got, err := s.GetResult(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Cancel(ctx, resp.RunID)
	assert.ErrorIs(t, err, ErrRunNotCancelable)
}

func TestRunService_CancelStopsWorkerUpdates(t *testing.T) {
	s, _, _ := newTestRunService(t)
	ctx := context.Background()

	resp, err := s.StartUpscale(ctx, &model.UpscaleRunRequest{})
	require.NoError(t, err)

	canceled, err := s.Cancel(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, canceled.Status)

	_, err = s.Begin(ctx, resp.RunID)
	assert.ErrorIs(t, err, ErrRunCanceled)
	assert.ErrorIs(t, s.UpdateProgress(ctx, resp.RunID, 10, "x"), ErrRunCanceled)
	assert.ErrorIs(t, s.Complete(ctx, resp.RunID, &model.RunResult{}), ErrRunCanceled)

	require.NoError(t, s.Fail(ctx, resp.RunID, "late failure"))
	status, err := s.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, status.Status)
	assert.Nil(t, status.Error)
}

func TestRunService_CancelDuringProgressWriteWins(t *testing.T) {
	s, _, mr := newTestRunService(t)
	ctx := context.Background()

	resp, err := s.StartUpscale(ctx, &model.UpscaleRunRequest{})
	require.NoError(t, err)
	_, err = s.Begin(ctx, resp.RunID)
	require.NoError(t, err)

	// An operator cancels from another process after the worker has read
	// the record but before it writes its progress.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	operator := NewRunService(rdb, &fakeEnqueuer{})
	loads := 0
	s.afterLoad = func(runID string) {
		loads++
		if loads == 1 {
			_, err := operator.Cancel(ctx, runID)
			require.NoError(t, err)
		}
	}

	err = s.UpdateProgress(ctx, resp.RunID, 50, "Upscaling")
	assert.ErrorIs(t, err, ErrRunCanceled)
	assert.Equal(t, 2, loads)

	status, err := s.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, status.Status)
	assert.Zero(t, status.Progress)
}

func TestRunService_Fail(t *testing.T) {
	s, _, _ := newTestRunService(t)
	ctx := context.Background()

	resp, err := s.StartUpscale(ctx, &model.UpscaleRunRequest{})
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, resp.RunID, "no instance available"))

	status, err := s.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Equal(t, "no instance available", *status.Error)
}

func TestRunService_NotFound(t *testing.T) {
	s, _, _ := newTestRunService(t)

	_, err := s.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
