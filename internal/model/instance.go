package model

import "time"

// InstanceHandle points at a rented execution endpoint.
type InstanceHandle struct {
	ServerID string         `json:"server_id,omitempty"`
	URL      string         `json:"url"`
	Status   InstanceStatus `json:"status,omitempty"`
}

// InstanceRecord is what gets persisted between runs.
type InstanceRecord struct {
	URL      string `json:"url"`
	ServerID string `json:"server_id,omitempty"`
}

// ServerInfo is one entry of the provider's server list.
type ServerInfo struct {
	ServerID       string `json:"server_id"`
	CurrentStatus  string `json:"current_status"`
	MainServiceURL string `json:"main_service_url,omitempty"`
}

// MachineProfile selects the hardware tier and rental estimate.
type MachineProfile struct {
	ServerType        string        `json:"serverType" validate:"required,oneof=medium large xlarge 2xlarge 2xlarge_plus"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}
