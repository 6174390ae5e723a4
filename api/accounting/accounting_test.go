package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	records []Record
}

func (r *recorder) Record(rec Record) {
	r.records = append(r.records, rec)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Record(Record{
		Ticket:         "abc",
		Success:        false,
		ExecutionStart: time.Date(2026, 10, 18, 8, 0, 1, 0, time.UTC),
		ExecutionTime:  2.5,
		FileSize:       42,
		Comment:        "file driver not supported",
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "accounting", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "abc", fields["ticket"])
	assert.Equal(t, false, fields["success"])
	assert.Equal(t, "2026-10-18 08:00:01", fields["execution_start"])
	assert.Equal(t, 2.5, fields["execution_time"])
	assert.Equal(t, int64(42), fields["filesize"])
	assert.Equal(t, "file driver not supported", fields["comment"])
}

func TestLogSink_PromptRequestsHaveNoTicket(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLogSink(zap.New(core)).Record(Record{Success: true})
	require.Len(t, logs.All(), 1)
	assert.Equal(t, "-", logs.All()[0].ContextMap()["ticket"])
}

func TestTee(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	sink := Tee(a, nil, b)
	sink.Record(Record{Ticket: "t1"})
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)

	Discard.Record(Record{Ticket: "t2"})
}
