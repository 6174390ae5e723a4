package dto

import "time"

// StatusResponse is the body of GET /status/{ticket}.
type StatusResponse struct {
	Completed     bool     `json:"completed"`
	Success       *bool    `json:"success"`
	Requested     string   `json:"requested"`
	ExecutionTime *float64 `json:"execution_time(s)"`
	Comment       *string  `json:"comment"`
}

// RequestedLayout formats the requested timestamp.
const RequestedLayout = time.RFC3339

// FilePathResponse is returned when the artifact lives in the output area.
type FilePathResponse struct {
	FilePath string `json:"filepath"`
}

type DeferredResponse struct {
	Ticket   string `json:"ticket"`
	Endpoint string `json:"endpoint,omitempty"`
	Status   string `json:"status,omitempty"`
	FilePath string `json:"filepath,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"Error"`
	TraceID string `json:"trace_id,omitempty"`
}
