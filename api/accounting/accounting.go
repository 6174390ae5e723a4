// Package accounting records one line per finished transformation for
// usage tracking. Sinks are fire-and-forget.
package accounting

import (
	"time"

	"go.uber.org/zap"
)

// TimeLayout formats ExecutionStart in log and wire output.
const TimeLayout = "2006-01-02 15:04:05"

type Record struct {
	Ticket         string    `json:"ticket"`
	Success        bool      `json:"success"`
	ExecutionStart time.Time `json:"execution_start"`
	ExecutionTime  float64   `json:"execution_time"`
	FileSize       int64     `json:"filesize"`
	Comment        string    `json:"comment,omitempty"`
}

// Sink accepts records without blocking the caller. Implementations
// drop records they cannot deliver.
type Sink interface {
	Record(r Record)
}

type LogSink struct {
	logger *zap.Logger
}

// NewLogSink writes records through a child logger named "accounting".
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("accounting")}
}

func (s *LogSink) Record(r Record) {
	ticket := r.Ticket
	if ticket == "" {
		ticket = "-"
	}
	s.logger.Info("accounting",
		zap.String("ticket", ticket),
		zap.Bool("success", r.Success),
		zap.String("execution_start", r.ExecutionStart.UTC().Format(TimeLayout)),
		zap.Float64("execution_time", r.ExecutionTime),
		zap.String("comment", r.Comment),
		zap.Int64("filesize", r.FileSize),
	)
}

type tee []Sink

// Tee fans records out to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}

func (t tee) Record(r Record) {
	for _, s := range t {
		s.Record(r)
	}
}

// Discard drops every record.
var Discard Sink = tee(nil)
