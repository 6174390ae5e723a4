package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"geoTransform/api/accounting"
	"geoTransform/api/models"
	"geoTransform/api/repository"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
)

const (
	defaultAttempts  = 5
	defaultRetryWait = 100 * time.Millisecond
)

// StatusWriter receives the snapshot of a ticket once it is completed.
type StatusWriter interface {
	Set(ctx context.Context, ticket *models.Ticket) error
}

// CompletionHandler reconciles a finished job with the output area and
// the ticket store. Complete satisfies pool.CompletionFunc.
type CompletionHandler struct {
	repo    repository.Repository
	area    *output.Area
	status  StatusWriter
	sink    accounting.Sink
	cleanup func(ticketID string)
	logger  *zap.Logger
	now     func() time.Time

	attempts  int
	retryWait time.Duration
}

type CompletionOption func(*CompletionHandler)

func WithStatusWriter(w StatusWriter) CompletionOption {
	return func(h *CompletionHandler) { h.status = w }
}

func WithAccounting(sink accounting.Sink) CompletionOption {
	return func(h *CompletionHandler) { h.sink = sink }
}

// WithCleanup registers the function that removes a ticket's working
// files after reconciliation.
func WithCleanup(fn func(ticketID string)) CompletionOption {
	return func(h *CompletionHandler) { h.cleanup = fn }
}

func WithClock(now func() time.Time) CompletionOption {
	return func(h *CompletionHandler) { h.now = now }
}

// WithRetry sets how many times a failing store call is tried and the
// first wait between tries.
func WithRetry(attempts int, wait time.Duration) CompletionOption {
	return func(h *CompletionHandler) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if wait > 0 {
			h.retryWait = wait
		}
	}
}

func NewCompletionHandler(repo repository.Repository, area *output.Area, logger *zap.Logger, opts ...CompletionOption) *CompletionHandler {
	h := &CompletionHandler{
		repo:   repo,
		area:   area,
		sink:   accounting.Discard,
		logger: logger,
		now:    time.Now,

		attempts:  defaultAttempts,
		retryWait: defaultRetryWait,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Complete places the artifact, then writes the completion tuple. The
// store write happens only after the artifact is at its final path, and
// working files are kept until that write is resolved.
func (h *CompletionHandler) Complete(ctx context.Context, res pool.Result) {
	ticket, err := h.ticketFor(ctx, res)
	if err != nil {
		h.logger.Error("Cannot load ticket for completion",
			zap.String("ticket", res.TicketID),
			zap.Error(err),
		)
		if errors.Is(err, repository.ErrTicketNotFound) {
			h.clean(res.TicketID)
		}
		return
	}

	var completion models.Completion
	if res.Success {
		rel, err := h.area.Place(res.ResultPath)
		if err != nil {
			h.logger.Error("Failed to place artifact",
				zap.String("ticket", res.TicketID),
				zap.String("artifact", res.ResultPath),
				zap.Error(err),
			)
			completion = models.Failed("could not store result: "+err.Error(), h.elapsed(ticket))
		} else {
			completion = models.Succeeded(rel, h.elapsed(ticket))
		}
	} else {
		completion = models.Failed(res.Comment, h.elapsed(ticket))
	}

	err = h.retry(ctx, ticket.ID, func() error {
		return h.repo.CompleteTicket(ctx, ticket.ID, completion)
	})
	switch {
	case errors.Is(err, repository.ErrTicketAlreadyCompleted):
		h.logger.Warn("Ticket already completed", zap.String("ticket", ticket.ID))
		h.clean(ticket.ID)
		return
	case errors.Is(err, repository.ErrTicketNotFound):
		h.logger.Error("Completed job has no ticket", zap.String("ticket", ticket.ID))
		h.clean(ticket.ID)
		return
	case err != nil:
		h.logger.Error("Failed to complete ticket, working files kept",
			zap.String("ticket", ticket.ID),
			zap.Error(err),
		)
		return
	}
	h.clean(ticket.ID)

	applyCompletion(ticket, completion)

	if h.status != nil {
		if err := h.status.Set(ctx, ticket); err != nil {
			h.logger.Warn("Failed to cache ticket status",
				zap.String("ticket", ticket.ID),
				zap.Error(err),
			)
		}
	}

	comment := ""
	if completion.Comment != nil {
		comment = *completion.Comment
	}
	h.sink.Record(accounting.Record{
		Ticket:         ticket.ID,
		Success:        completion.Success,
		ExecutionStart: ticket.RequestedAt,
		ExecutionTime:  completion.ExecutionTime,
		FileSize:       ticket.InputSize,
		Comment:        comment,
	})

	h.logger.Info("Ticket completed",
		zap.String("ticket", ticket.ID),
		zap.Bool("success", completion.Success),
		zap.Float64("execution_time", completion.ExecutionTime),
	)
}

// ticketFor builds the pending ticket from the result when the job
// carried its request time, and reads it from the store otherwise.
func (h *CompletionHandler) ticketFor(ctx context.Context, res pool.Result) (*models.Ticket, error) {
	if !res.RequestedAt.IsZero() {
		return &models.Ticket{
			ID:          res.TicketID,
			RequestedAt: res.RequestedAt,
			InputSize:   res.InputSize,
			Status:      models.StatusPending,
		}, nil
	}

	var ticket *models.Ticket
	err := h.retry(ctx, res.TicketID, func() error {
		var err error
		ticket, err = h.repo.GetTicket(ctx, res.TicketID)
		return err
	})
	return ticket, err
}

// retry runs fn until it succeeds, fails permanently, or the attempts
// run out.
func (h *CompletionHandler) retry(ctx context.Context, ticketID string, fn func() error) error {
	b := &backoff.Backoff{Min: h.retryWait, Max: 2 * time.Second, Factor: 2}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || permanent(err) || attempt >= h.attempts {
			return err
		}

		wait := b.Duration()
		h.logger.Warn("Ticket store call failed, retrying",
			zap.String("ticket", ticketID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}
}

func permanent(err error) bool {
	return errors.Is(err, repository.ErrTicketNotFound) ||
		errors.Is(err, repository.ErrTicketAlreadyCompleted) ||
		errors.Is(err, models.ErrInconsistentCompletion)
}

func (h *CompletionHandler) clean(ticketID string) {
	if h.cleanup != nil {
		h.cleanup(ticketID)
	}
}

func (h *CompletionHandler) elapsed(ticket *models.Ticket) float64 {
	return Seconds(h.now().UTC().Sub(ticket.RequestedAt.UTC()))
}

// Seconds rounds d to milliseconds and never goes negative.
func Seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return math.Round(d.Seconds()*1000) / 1000
}

func applyCompletion(ticket *models.Ticket, c models.Completion) {
	success := c.Success
	executionTime := c.ExecutionTime
	ticket.Status = models.StatusCompleted
	ticket.Success = &success
	ticket.ResultPath = c.ResultPath
	ticket.ExecutionTime = &executionTime
	ticket.Comment = c.Comment
}
