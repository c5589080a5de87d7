// Package pipeline drives the batch steps of the illustration workflow:
// generation and upscaling on a rented instance, and the local crop,
// paste, PPI, organize and fix passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/billing"
	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/manifest"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/organize"
	"github.com/inkwell/childbook/internal/service"
)

var (
	ErrNoManifest = errors.New("no manifest found")
	ErrNoScenes   = errors.New("manifest has no usable rows")
	ErrNoImages   = errors.New("no images found")
)

// Instances acquires and releases execution endpoints.
type Instances interface {
	GetOrCreate(ctx context.Context, req service.AcquireRequest) (*model.InstanceHandle, error)
	Teardown(ctx context.Context, handle *model.InstanceHandle) error
}

// Generator runs style and upscale jobs on an endpoint.
type Generator interface {
	GenerateStyle(ctx context.Context, endpoint string, req service.StyleRequest) ([]string, error)
	Upscale(ctx context.Context, endpoint, imagePath, saveDir string) (string, error)
}

// ProgressFunc receives progress between items. A non-nil error stops
// the batch.
type ProgressFunc func(done, total int, step string) error

// RemoteOptions control instance handling of a remote batch.
type RemoteOptions struct {
	// ExplicitURL skips discovery and provisioning.
	ExplicitURL string
	NoProvision bool
	// KeepAlive leaves the instance running afterwards.
	KeepAlive bool
	// Machine overrides the configured machine type.
	Machine  string
	Progress ProgressFunc
}

func (o RemoteOptions) report(done, total int, step string) error {
	if o.Progress == nil {
		return nil
	}
	return o.Progress(done, total, step)
}

// Pipeline wires the batch steps to their collaborators.
type Pipeline struct {
	cfg       *config.Config
	instances Instances
	generator Generator
	fs        afero.Fs
	manifests *manifest.Reader
	organizer *organize.Organizer
	runLog    *billing.RunLog
	now       func() time.Time
}

// New creates a pipeline. instances and generator may be nil when only
// local steps are used.
func New(cfg *config.Config, instances Instances, generator Generator, fs afero.Fs) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		instances: instances,
		generator: generator,
		fs:        fs,
		manifests: manifest.NewReader(fs),
		organizer: organize.New(fs),
		runLog:    billing.NewRunLog(fs, cfg.Paths.RunLog),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for billing.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// remote acquires an instance, runs body against it and always releases
// the instance unless asked to keep it. A teardown failure is joined after
// the run error. The billing entry is logged either way.
func (p *Pipeline) remote(ctx context.Context, script string, total int, estimate time.Duration, opts RemoteOptions, body func(ctx context.Context, endpoint string, res *model.RunResult) error) (*model.RunResult, error) {
	if p.instances == nil || p.generator == nil {
		return nil, fmt.Errorf("%s: remote execution is not configured", script)
	}

	machine := opts.Machine
	if machine == "" {
		machine = p.cfg.Instance.Machine
	}

	start := p.now()
	res := &model.RunResult{}

	handle, err := p.instances.GetOrCreate(ctx, service.AcquireRequest{
		ExplicitURL:    opts.ExplicitURL,
		AllowProvision: !opts.NoProvision,
		Profile:        model.MachineProfile{ServerType: machine, EstimatedDuration: estimate},
	})
	if err == nil {
		log.Printf("[Pipeline] %s: using instance %s", script, handle.URL)
		err = body(ctx, handle.URL, res)
	}

	if opts.KeepAlive {
		log.Printf("[Pipeline] %s: leaving instance running", script)
	} else if terr := p.instances.Teardown(context.WithoutCancel(ctx), handle); terr != nil {
		log.Printf("[Pipeline] %s: failed to stop instance: %v", script, terr)
		err = errors.Join(err, fmt.Errorf("teardown: %w", terr))
	}

	end := p.now()
	entry, berr := billing.Estimate(script, total, start, end, p.cfg.Billing.Type, machine, p.cfg.Billing.StartupMinutes)
	if berr != nil {
		log.Printf("[Pipeline] %s: billing estimate unavailable: %v", script, berr)
	} else {
		res.Billing = entry
		log.Printf("[Pipeline] %s summary:\n%s", script, billing.Summary(entry))
		if lerr := p.runLog.Append(entry); lerr != nil {
			log.Printf("[Pipeline] %s: failed to append run log: %v", script, lerr)
		}
	}

	return res, err
}

// reportResult turns an organize report into a run result.
func reportResult(r *organize.Report) *model.RunResult {
	return &model.RunResult{
		Processed: len(r.Moved),
		Files:     r.Moved,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
	}
}
