package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inkwell/childbook/internal/model"
)

// Per-call timeouts for the execution endpoint
const (
	UploadTimeout  = 60 * time.Second
	PromptTimeout  = 30 * time.Second
	HistoryTimeout = 15 * time.Second
	ViewTimeout    = 30 * time.Second
)

// ExecutionClient defines the operations of a ComfyUI execution endpoint
type ExecutionClient interface {
	UploadImage(ctx context.Context, endpoint, localPath string) (string, error)
	QueuePrompt(ctx context.Context, endpoint string, job model.JobDescription, clientID string) (string, error)
	GetHistory(ctx context.Context, endpoint, promptID string) (model.Outputs, error)
	View(ctx context.Context, endpoint string, artifact model.ArtifactDescriptor, w io.Writer) error
}

// ComfyClient implements ExecutionClient over HTTP. The endpoint is passed
// per call since instances come and go.
type ComfyClient struct {
	httpClient *http.Client
	apiToken   string
}

type queuePromptRequest struct {
	Prompt   model.JobDescription `json:"prompt"`
	ClientID string               `json:"client_id"`
}

type queuePromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

type uploadImageResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs model.Outputs `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// NewComfyClient creates a new ComfyUI client
func NewComfyClient(apiToken string) *ComfyClient {
	return &ComfyClient{
		httpClient: &http.Client{},
		apiToken:   apiToken,
	}
}

// UploadImage uploads a local file and returns the name the server stored
// it under.
func (c *ComfyClient) UploadImage(ctx context.Context, endpoint, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, "/upload/image"), &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result uploadImageResponse
	if err := c.doRequest(req, &result); err != nil {
		return "", err
	}
	if result.Name == "" {
		return filepath.Base(localPath), nil
	}
	return result.Name, nil
}

// QueuePrompt submits a workflow graph and returns its prompt id.
func (c *ComfyClient) QueuePrompt(ctx context.Context, endpoint string, job model.JobDescription, clientID string) (string, error) {
	bodyBytes, err := json.Marshal(queuePromptRequest{Prompt: job, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PromptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, "/prompt"), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result queuePromptResponse
	if err := c.doRequest(req, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("comfyui response missing prompt_id")
	}
	return result.PromptID, nil
}

// GetHistory returns the outputs recorded for promptID. An empty result
// means the run has not finished.
func (c *ComfyClient) GetHistory(ctx context.Context, endpoint, promptID string) (model.Outputs, error) {
	ctx, cancel := context.WithTimeout(ctx, HistoryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, "/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result map[string]historyEntry
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	entry, ok := result[promptID]
	if !ok {
		return nil, nil
	}
	return entry.Outputs, nil
}

// View streams an artifact into w.
func (c *ComfyClient) View(ctx context.Context, endpoint string, artifact model.ArtifactDescriptor, w io.Writer) error {
	q := url.Values{}
	q.Set("filename", artifact.Filename)
	q.Set("subfolder", artifact.Subfolder)
	q.Set("type", artifact.Type)

	ctx, cancel := context.WithTimeout(ctx, ViewTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, "/view")+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	log.Printf("[ComfyUI] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[ComfyUI] ✗ %s %s: request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[ComfyUI] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())
		return &APIError{Service: "comfyui", StatusCode: resp.StatusCode, Body: string(body)}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	log.Printf("[ComfyUI] ← %d %s %s (%d bytes)", resp.StatusCode, req.Method, req.URL.String(), n)
	return nil
}

func (c *ComfyClient) authorize(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

// doRequest executes an HTTP request and parses the response
func (c *ComfyClient) doRequest(req *http.Request, result interface{}) error {
	c.authorize(req)

	log.Printf("[ComfyUI] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[ComfyUI] ✗ %s %s: request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[ComfyUI] ✗ %s %s: failed to read response: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[ComfyUI] ← %d %s %s: %s", resp.StatusCode, req.Method, req.URL.String(), truncate(respBody, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Service: "comfyui", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
