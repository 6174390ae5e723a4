package models

import (
	"errors"
	"time"
)

type TicketStatus int

const (
	StatusPending   TicketStatus = 0
	StatusCompleted TicketStatus = 1
)

func (s TicketStatus) String() string {
	if s == StatusCompleted {
		return "completed"
	}
	return "pending"
}

type Ticket struct {
	ID          string
	RequestedAt time.Time
	InputSize   int64
	Status      TicketStatus

	// Set together when the ticket completes; nil while pending.
	Success       *bool
	ResultPath    *string
	ExecutionTime *float64
	Comment       *string
}

func (t *Ticket) Completed() bool {
	return t.Status == StatusCompleted
}

var ErrInconsistentCompletion = errors.New("inconsistent completion")

// Completion is the tuple written when a ticket leaves PENDING.
type Completion struct {
	Success       bool
	ResultPath    *string
	ExecutionTime float64
	Comment       *string
}

// Succeeded builds the completion of a job whose artifact was placed at path.
func Succeeded(path string, executionTime float64) Completion {
	return Completion{Success: true, ResultPath: &path, ExecutionTime: executionTime}
}

// Failed builds the completion of a job that produced no artifact.
func Failed(comment string, executionTime float64) Completion {
	return Completion{Success: false, Comment: &comment, ExecutionTime: executionTime}
}

// Validate enforces that a success carries a path and no comment, and a
// failure carries a comment and no path.
func (c Completion) Validate() error {
	if c.Success {
		if c.ResultPath == nil || *c.ResultPath == "" || c.Comment != nil {
			return ErrInconsistentCompletion
		}
		return nil
	}
	if c.ResultPath != nil || c.Comment == nil {
		return ErrInconsistentCompletion
	}
	return nil
}
