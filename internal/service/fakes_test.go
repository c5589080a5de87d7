package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/model"
)

// fakeClock advances on every sleep and records the requested waits.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// fakeExecution scripts an execution endpoint.
type fakeExecution struct {
	mu sync.Mutex

	uploadErr error
	queueErrs []error
	history   []historyReply
	files     map[string]string

	uploads   []string
	queued    []model.JobDescription
	polls     int
	viewed    []string
	promptSeq int
}

type historyReply struct {
	outputs model.Outputs
	err     error
}

func (f *fakeExecution) UploadImage(_ context.Context, _, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, localPath)
	return "uploaded_" + localPath[strings.LastIndex(localPath, "/")+1:], nil
}

func (f *fakeExecution) QueuePrompt(_ context.Context, _ string, job model.JobDescription, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queueErrs) > 0 {
		err := f.queueErrs[0]
		f.queueErrs = f.queueErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.queued = append(f.queued, job)
	f.promptSeq++
	return fmt.Sprintf("prompt-%d", f.promptSeq), nil
}

func (f *fakeExecution) GetHistory(_ context.Context, _, _ string) (model.Outputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.history) == 0 {
		return nil, nil
	}
	r := f.history[0]
	if len(f.history) > 1 {
		f.history = f.history[1:]
	}
	return r.outputs, r.err
}

func (f *fakeExecution) View(_ context.Context, _ string, art model.ArtifactDescriptor, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewed = append(f.viewed, art.Filename)
	body, ok := f.files[art.Filename]
	if !ok {
		return &client.APIError{Service: "ComfyUI", StatusCode: 404, Body: "missing"}
	}
	_, err := io.WriteString(w, body)
	return err
}

// fakeProvider scripts the instance provider.
type fakeProvider struct {
	mu sync.Mutex

	servers   []model.ServerInfo
	listErr   error
	statuses  []statusReply
	deleteErr error
	createErr error

	created  []*client.CreateServerRequest
	deleted  []string
	getCalls int
}

type statusReply struct {
	status string
	url    string
	err    error
}

func (p *fakeProvider) ListServers(context.Context) ([]model.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]model.ServerInfo(nil), p.servers...), nil
}

func (p *fakeProvider) FirstWorkflowVersion(context.Context) (string, error) {
	return "version-1", nil
}

func (p *fakeProvider) CreateServer(_ context.Context, req *client.CreateServerRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created = append(p.created, req)
	return "new-server", nil
}

func (p *fakeProvider) GetServer(_ context.Context, id string) (*model.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if len(p.statuses) == 0 {
		return &model.ServerInfo{ServerID: id, CurrentStatus: "Initializing"}, nil
	}
	r := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.ServerInfo{ServerID: id, CurrentStatus: r.status, MainServiceURL: r.url}, nil
}

func (p *fakeProvider) DeleteServer(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return p.deleteErr
}

func (p *fakeProvider) InstanceURL(id string) string {
	return "https://" + id + "-comfyui.runcomfy.com"
}

func (p *fakeProvider) ServerIDFromURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	if i := strings.Index(u, "-comfyui."); i > 0 {
		return u[:i]
	}
	return ""
}

// memStore is an in-memory HandleStore.
type memStore struct {
	mu  sync.Mutex
	rec *model.InstanceRecord
}

func (s *memStore) Load(context.Context) (*model.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	r := *s.rec
	return &r, nil
}

func (s *memStore) Save(_ context.Context, rec model.InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &rec
	return nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}
