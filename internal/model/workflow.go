package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrUnknownNode = errors.New("unknown workflow node")

// Node is one entry of a ComfyUI API-format graph.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// JobDescription is a workflow graph keyed by node id.
type JobDescription map[string]*Node

// LoadJobDescription reads an API-format workflow file.
func LoadJobDescription(path string) (JobDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	var job JobDescription
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	return job, nil
}

// SetInput overwrites a single input field of a node.
func (j JobDescription) SetInput(nodeID, field string, value any) error {
	node, ok := j[nodeID]
	if !ok || node == nil {
		return fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]any)
	}
	node.Inputs[field] = value
	return nil
}

// Input returns a node's input field.
func (j JobDescription) Input(nodeID, field string) (any, bool) {
	node, ok := j[nodeID]
	if !ok || node == nil {
		return nil, false
	}
	v, ok := node.Inputs[field]
	return v, ok
}

// Clone returns a deep copy so callers can mutate inputs per run.
func (j JobDescription) Clone() JobDescription {
	data, err := json.Marshal(j)
	if err != nil {
		out := make(JobDescription, len(j))
		for id, n := range j {
			cp := *n
			cp.Inputs = make(map[string]any, len(n.Inputs))
			for k, v := range n.Inputs {
				cp.Inputs[k] = v
			}
			out[id] = &cp
		}
		return out
	}
	var out JobDescription
	_ = json.Unmarshal(data, &out)
	return out
}

// JobInput is a per-run override applied to one node.
type JobInput struct {
	NodeID    string    `json:"nodeId" validate:"required"`
	Kind      InputKind `json:"kind" validate:"required,oneof=text image text_and_image"`
	Text      string    `json:"text,omitempty"`
	ImagePath string    `json:"imagePath,omitempty"`
}

// ArtifactDescriptor identifies one file produced by a workflow run.
type ArtifactDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput lists the images a node produced.
type NodeOutput struct {
	Images []ArtifactDescriptor `json:"images"`
}

// Outputs maps node id to its produced artifacts.
type Outputs map[string]NodeOutput

// Count returns the total number of artifacts.
func (o Outputs) Count() int {
	n := 0
	for _, out := range o {
		n += len(out.Images)
	}
	return n
}

// ExecutionAttempt records one submit/await cycle. Never persisted.
type ExecutionAttempt struct {
	Index     int            `json:"index"`
	StartedAt time.Time      `json:"startedAt"`
	Outcome   AttemptOutcome `json:"outcome"`
	Err       error          `json:"-"`
}
