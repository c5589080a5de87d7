package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/retry"
	"github.com/inkwell/childbook/internal/store"
)

const (
	statusReady        = "Ready"
	statusInitializing = "Initializing"
)

// Provisioning poll delays
var (
	initializingDelay = 10 * time.Second
	statusDelay       = 5 * time.Second
	notFoundDelay     = 5 * time.Second
	transportDelay    = 3 * time.Second
)

// AcquireRequest describes how an instance may be obtained.
type AcquireRequest struct {
	ExplicitURL    string
	AllowProvision bool
	Profile        model.MachineProfile
}

// InstanceService finds, rents and releases execution instances.
type InstanceService struct {
	provider         client.Provider
	store            store.HandleStore
	provisionTimeout time.Duration

	now   func() time.Time
	sleep retry.SleepFunc

	mu      sync.Mutex
	current *model.InstanceHandle
}

// NewInstanceService creates a new instance service
func NewInstanceService(p client.Provider, s store.HandleStore, provisionTimeout time.Duration) *InstanceService {
	return &InstanceService{
		provider:         p,
		store:            s,
		provisionTimeout: provisionTimeout,
		now:              time.Now,
		sleep:            retry.SleepContext,
	}
}

// SetClock replaces the time source and sleeper.
func (s *InstanceService) SetClock(now func() time.Time, sleep retry.SleepFunc) {
	s.now = now
	s.sleep = sleep
}

// Current returns the handle acquired by this service, if any.
func (s *InstanceService) Current() *model.InstanceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	h := *s.current
	return &h
}

func (s *InstanceService) setCurrent(h *model.InstanceHandle) {
	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
}

// GetOrCreate returns a live endpoint. In order it tries the explicit URL,
// the persisted handle (only if the provider still lists it as ready), any
// ready server, and finally a new server when provisioning is allowed.
func (s *InstanceService) GetOrCreate(ctx context.Context, req AcquireRequest) (*model.InstanceHandle, error) {
	if req.ExplicitURL != "" {
		log.Printf("[Instance] Using explicit instance %s", req.ExplicitURL)
		return &model.InstanceHandle{
			ServerID: s.provider.ServerIDFromURL(req.ExplicitURL),
			URL:      req.ExplicitURL,
			Status:   model.InstanceReady,
		}, nil
	}

	servers, listErr := s.provider.ListServers(ctx)
	if listErr != nil {
		log.Printf("[Instance] Failed to list servers: %v", listErr)
	}

	rec, err := s.store.Load(ctx)
	if err != nil {
		log.Printf("[Instance] Failed to load saved instance: %v", err)
	}
	if rec != nil && listErr == nil {
		if srv := s.findReady(servers, rec.URL); srv != nil {
			h := &model.InstanceHandle{ServerID: srv.ServerID, URL: rec.URL, Status: model.InstanceReady}
			if rec.ServerID != srv.ServerID {
				s.persist(ctx, h)
			}
			s.setCurrent(h)
			log.Printf("[Instance] Reusing saved instance %s", h.URL)
			return h, nil
		}
		log.Printf("[Instance] Saved instance %s is no longer ready; discarding", rec.URL)
		if err := s.store.Clear(ctx); err != nil {
			log.Printf("[Instance] Failed to clear saved instance: %v", err)
		}
	}

	if srv := s.findReady(servers, ""); srv != nil {
		h := &model.InstanceHandle{ServerID: srv.ServerID, URL: s.provider.InstanceURL(srv.ServerID), Status: model.InstanceReady}
		s.persist(ctx, h)
		s.setCurrent(h)
		log.Printf("[Instance] Reusing ready instance %s", h.URL)
		return h, nil
	}

	if !req.AllowProvision {
		return nil, ErrNoInstanceAvailable
	}

	h, err := s.provision(ctx, req.Profile)
	if err != nil {
		log.Printf("[Instance] Provisioning failed: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrNoInstanceAvailable, err)
	}
	return h, nil
}

// findReady returns the first ready server, restricted to url when set.
func (s *InstanceService) findReady(servers []model.ServerInfo, url string) *model.ServerInfo {
	for i := range servers {
		srv := &servers[i]
		if srv.CurrentStatus != statusReady {
			continue
		}
		if url == "" || s.provider.InstanceURL(srv.ServerID) == url {
			return srv
		}
	}
	return nil
}

func (s *InstanceService) provision(ctx context.Context, profile model.MachineProfile) (*model.InstanceHandle, error) {
	version, err := s.provider.FirstWorkflowVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow version: %w", err)
	}

	log.Printf("[Instance] Launching %s server (estimated %s)", profile.ServerType, profile.EstimatedDuration)
	serverID, err := s.provider.CreateServer(ctx, &client.CreateServerRequest{
		ServerType:        profile.ServerType,
		EstimatedDuration: int(profile.EstimatedDuration / time.Second),
		WorkflowVersionID: version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	// Track the server right away so a deferred teardown can stop it even
	// if it never becomes ready.
	s.setCurrent(&model.InstanceHandle{ServerID: serverID, Status: model.InstanceProvisioning})

	start := s.now()
	deadline := start.Add(s.provisionTimeout)
	lastStatus := ""

	for s.now().Before(deadline) {
		info, err := s.provider.GetServer(ctx, serverID)
		var wait time.Duration
		switch {
		case errors.Is(err, client.ErrServerNotFound):
			wait = notFoundDelay
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Instance] Status check failed: %v", err)
			wait = transportDelay
		default:
			if info.CurrentStatus != lastStatus {
				log.Printf("[Instance] Server %s status: %s", serverID, info.CurrentStatus)
				lastStatus = info.CurrentStatus
			}
			if info.CurrentStatus == statusReady && info.MainServiceURL != "" {
				h := &model.InstanceHandle{ServerID: serverID, URL: s.provider.InstanceURL(serverID), Status: model.InstanceReady}
				s.persist(ctx, h)
				s.setCurrent(h)
				log.Printf("[Instance] Server ready after %s: %s", s.now().Sub(start).Round(time.Second), h.URL)
				return h, nil
			}
			wait = statusDelay
			if info.CurrentStatus == statusInitializing {
				wait = initializingDelay
			}
		}

		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: server %s not ready after %s", ErrProvisionTimedOut, serverID, s.provisionTimeout)
}

func (s *InstanceService) persist(ctx context.Context, h *model.InstanceHandle) {
	if err := s.store.Save(ctx, model.InstanceRecord{URL: h.URL, ServerID: h.ServerID}); err != nil {
		log.Printf("[Instance] Failed to save instance record: %v", err)
	}
}

// Teardown stops the given instance, or failing that the current one, the
// persisted one, or any ready one. Having nothing to stop is not an error.
// A server that is already gone counts as stopped.
func (s *InstanceService) Teardown(ctx context.Context, handle *model.InstanceHandle) error {
	serverID := s.resolveTarget(ctx, handle)
	if serverID == "" {
		log.Printf("[Instance] No instance to stop")
		return nil
	}

	log.Printf("[Instance] Stopping server %s", serverID)
	err := s.provider.DeleteServer(ctx, serverID)
	switch {
	case err == nil:
		log.Printf("[Instance] Stop request accepted for %s", serverID)
	case errors.Is(err, client.ErrServerNotFound):
		log.Printf("[Instance] Server %s already gone", serverID)
	default:
		return fmt.Errorf("failed to stop server %s: %w", serverID, err)
	}

	s.setCurrent(nil)
	if err := s.store.Clear(ctx); err != nil {
		log.Printf("[Instance] Failed to clear saved instance: %v", err)
	}
	return nil
}

func (s *InstanceService) resolveTarget(ctx context.Context, handle *model.InstanceHandle) string {
	idOf := func(h *model.InstanceHandle) string {
		if h == nil {
			return ""
		}
		if h.ServerID != "" {
			return h.ServerID
		}
		return s.provider.ServerIDFromURL(h.URL)
	}

	if id := idOf(handle); id != "" {
		return id
	}
	if id := idOf(s.Current()); id != "" {
		return id
	}
	if rec, err := s.store.Load(ctx); err == nil && rec != nil {
		if id := idOf(&model.InstanceHandle{ServerID: rec.ServerID, URL: rec.URL}); id != "" {
			return id
		}
	}
	servers, err := s.provider.ListServers(ctx)
	if err != nil {
		log.Printf("[Instance] Failed to list servers: %v", err)
		return ""
	}
	if srv := s.findReady(servers, ""); srv != nil {
		return srv.ServerID
	}
	return ""
}

// Status reports the known handle and the provider's server list.
func (s *InstanceService) Status(ctx context.Context) (*model.InstanceStatusResponse, error) {
	servers, err := s.provider.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	resp := &model.InstanceStatusResponse{Handle: s.Current(), Servers: servers}
	if resp.Handle == nil {
		if rec, err := s.store.Load(ctx); err == nil && rec != nil {
			resp.Handle = &model.InstanceHandle{ServerID: rec.ServerID, URL: rec.URL}
			if s.findReady(servers, rec.URL) != nil {
				resp.Handle.Status = model.InstanceReady
			} else {
				resp.Handle.Status = model.InstanceUnreachable
			}
		}
	}
	if resp.Servers == nil {
		resp.Servers = []model.ServerInfo{}
	}
	return resp, nil
}
