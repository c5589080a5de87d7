package model

import (
	"encoding/json"
	"time"
)

// Run represents a queued pipeline run
type Run struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"` // "generate" or "upscale"
	Status      RunStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	RetryCount  int             `json:"retryCount"`
}

// Run types
const (
	RunTypeGenerate = "generate"
	RunTypeUpscale  = "upscale"
)

// GenerateRunRequest starts a generation run over a list of scenes.
type GenerateRunRequest struct {
	Scenes    []Scene `json:"scenes" validate:"required,min=1,dive"`
	OutputDir string  `json:"outputDir,omitempty"`
	Machine   string  `json:"machine,omitempty" validate:"omitempty,oneof=medium large xlarge 2xlarge 2xlarge_plus"`
	KeepAlive bool    `json:"keepAlive,omitempty"`
}

// UpscaleRunRequest starts an upscale run over a source directory.
type UpscaleRunRequest struct {
	SourceDir string `json:"sourceDir,omitempty"`
	OutputDir string `json:"outputDir,omitempty"`
	Organize  bool   `json:"organize,omitempty"`
	Machine   string `json:"machine,omitempty" validate:"omitempty,oneof=medium large xlarge 2xlarge 2xlarge_plus"`
	KeepAlive bool   `json:"keepAlive,omitempty"`
}

// RunStartResponse is returned when a run is queued
type RunStartResponse struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
}

// RunStatusResponse reports progress of a run
type RunStatusResponse struct {
	RunID       string    `json:"runId"`
	Type        string    `json:"type"`
	Status      RunStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Error       *string   `json:"error,omitempty"`
}

// RunResult is the outcome of a finished run
type RunResult struct {
	RunID     string        `json:"runId"`
	Processed int           `json:"processed"`
	Skipped   []string      `json:"skipped,omitempty"`
	Failed    []string      `json:"failed,omitempty"`
	Files     []string      `json:"files"`
	Mirrored  []string      `json:"mirrored,omitempty"`
	Billing   *BillingEntry `json:"billing,omitempty"`
}

// BillingEntry is one line of the run log.
type BillingEntry struct {
	LoggedAt        time.Time   `json:"loggedAt"`
	ScriptType      string      `json:"scriptType"`
	ImageCount      int         `json:"imageCount"`
	StartedAt       time.Time   `json:"startedAt"`
	EndedAt         time.Time   `json:"endedAt"`
	BillableMinutes float64     `json:"billableMinutes"`
	BillingType     BillingType `json:"billingType"`
	MachineType     string      `json:"machineType"`
	PricePerHour    float64     `json:"pricePerHour"`
	EstimatedCost   float64     `json:"estimatedCost"`
}

// InstanceStatusResponse describes the current instance
type InstanceStatusResponse struct {
	Handle  *InstanceHandle `json:"handle,omitempty"`
	Servers []ServerInfo    `json:"servers"`
}
