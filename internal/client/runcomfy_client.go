package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/model"
)

// Per-call timeouts for the provider API
const (
	ListTimeout   = 15 * time.Second
	CreateTimeout = 20 * time.Second
	StatusTimeout = 10 * time.Second
	DeleteTimeout = 15 * time.Second
)

// Provider defines the compute-rental operations of RunComfy
type Provider interface {
	ListServers(ctx context.Context) ([]model.ServerInfo, error)
	FirstWorkflowVersion(ctx context.Context) (string, error)
	CreateServer(ctx context.Context, req *CreateServerRequest) (string, error)
	GetServer(ctx context.Context, serverID string) (*model.ServerInfo, error)
	DeleteServer(ctx context.Context, serverID string) error
	InstanceURL(serverID string) string
	ServerIDFromURL(instanceURL string) string
}

// RunComfyClient implements Provider for the RunComfy API
type RunComfyClient struct {
	httpClient  *http.Client
	baseURL     string
	apiToken    string
	urlTemplate string
}

// CreateServerRequest asks for a new instance
type CreateServerRequest struct {
	ServerType        string `json:"server_type"`
	EstimatedDuration int    `json:"estimated_duration"`
	WorkflowVersionID string `json:"workflow_version_id"`
}

type createServerResponse struct {
	ServerID string `json:"server_id"`
}

// Workflow is an entry of the user's workflow list
type Workflow struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	VersionID  string `json:"version_id"`
	Name       string `json:"name,omitempty"`
}

// NewRunComfyClient creates a new RunComfy API client
func NewRunComfyClient(cfg *config.RunComfyConfig) *RunComfyClient {
	return &RunComfyClient{
		httpClient:  &http.Client{},
		baseURL:     fmt.Sprintf("%s/users/%s", strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.UserID)),
		apiToken:    cfg.APIToken,
		urlTemplate: cfg.InstanceURLTemplate,
	}
}

// ListServers returns all servers of the user
func (c *RunComfyClient) ListServers(ctx context.Context) ([]model.ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	var result []model.ServerInfo
	if err := c.get(ctx, "/servers", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListWorkflows returns the user's saved workflows
func (c *RunComfyClient) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	ctx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	var result []Workflow
	if err := c.get(ctx, "/workflows", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FirstWorkflowVersion returns the version id of the first workflow, which
// new servers boot with.
func (c *RunComfyClient) FirstWorkflowVersion(ctx context.Context) (string, error) {
	workflows, err := c.ListWorkflows(ctx)
	if err != nil {
		return "", err
	}
	if len(workflows) == 0 || workflows[0].VersionID == "" {
		return "", fmt.Errorf("no workflows available for this account")
	}
	return workflows[0].VersionID, nil
}

// CreateServer launches a server and returns its id
func (c *RunComfyClient) CreateServer(ctx context.Context, req *CreateServerRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateTimeout)
	defer cancel()

	var result createServerResponse
	if err := c.post(ctx, "/servers", req, &result); err != nil {
		return "", err
	}
	if result.ServerID == "" {
		return "", fmt.Errorf("runcomfy response missing server_id")
	}
	return result.ServerID, nil
}

// GetServer returns the status of one server. A 404 matches
// ErrServerNotFound.
func (c *RunComfyClient) GetServer(ctx context.Context, serverID string) (*model.ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	var result model.ServerInfo
	if err := c.get(ctx, "/servers/"+url.PathEscape(serverID), &result); err != nil {
		return nil, err
	}
	if result.ServerID == "" {
		result.ServerID = serverID
	}
	return &result, nil
}

// DeleteServer stops a server. A 404 matches ErrServerNotFound.
func (c *RunComfyClient) DeleteServer(ctx context.Context, serverID string) error {
	ctx, cancel := context.WithTimeout(ctx, DeleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/servers/"+url.PathEscape(serverID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, nil)
}

// InstanceURL builds the execution endpoint of a server
func (c *RunComfyClient) InstanceURL(serverID string) string {
	return strings.ReplaceAll(c.urlTemplate, "{id}", serverID)
}

// ServerIDFromURL recovers the server id from an instance URL built by
// InstanceURL, or returns "" when the URL does not match the template.
func (c *RunComfyClient) ServerIDFromURL(instanceURL string) string {
	prefix, suffix, ok := strings.Cut(c.urlTemplate, "{id}")
	if !ok {
		return ""
	}
	instanceURL = strings.TrimRight(instanceURL, "/")
	suffix = strings.TrimRight(suffix, "/")
	if !strings.HasPrefix(instanceURL, prefix) || !strings.HasSuffix(instanceURL, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(instanceURL, prefix), suffix)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return ""
	}
	return id
}

// IsConfigured returns true if the client has valid configuration
func (c *RunComfyClient) IsConfigured() bool {
	return c.apiToken != "" && !strings.HasSuffix(c.baseURL, "/users/")
}

// post sends a POST request with JSON body
func (c *RunComfyClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *RunComfyClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response. A nil result
// skips decoding.
func (c *RunComfyClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	log.Printf("[RunComfy] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[RunComfy] ✗ %s %s: request failed: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[RunComfy] ✗ %s %s: failed to read response: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[RunComfy] ← %d %s %s", resp.StatusCode, req.Method, req.URL.Path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Service: "runcomfy", StatusCode: resp.StatusCode, Body: truncate(respBody, 1024)}
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[RunComfy] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
