package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeCanceled = "canceled"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// RunProgress is one step of a batch: Done of Total items are finished.
type RunProgress struct {
	Percent int
	Done    int
	Total   int
	Step    string
}

// WSProgressMessage reports how far a run has got, both as a percentage
// and as items processed out of the batch.
type WSProgressMessage struct {
	Type        string    `json:"type"`
	RunID       string    `json:"runId"`
	Status      RunStatus `json:"status"`
	Progress    int       `json:"progress"`
	Done        int       `json:"done"`
	Total       int       `json:"total"`
	CurrentStep string    `json:"currentStep,omitempty"`
}

// WSCompleteMessage carries the finished run's counts and its result.
type WSCompleteMessage struct {
	Type          string     `json:"type"`
	RunID         string     `json:"runId"`
	Processed     int        `json:"processed"`
	Skipped       int        `json:"skipped"`
	Failed        int        `json:"failed"`
	EstimatedCost float64    `json:"estimatedCost,omitempty"`
	Result        *RunResult `json:"result"`
}

// WSCanceledMessage is sent once the worker stops a canceled run.
type WSCanceledMessage struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	RunID string  `json:"runId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
