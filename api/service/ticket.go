package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"geoTransform/api/accounting"
	"geoTransform/api/database"
	"geoTransform/api/metrics"
	"geoTransform/api/models"
	"geoTransform/api/repository"
	"geoTransform/api/validation"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
	workersvc "geoTransform/worker/service"
)

// ErrResultNotReady covers tickets that are pending or failed.
var ErrResultNotReady = errors.New("ticket has no result")

// TransformError is a transformer failure in prompt mode.
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string {
	return e.Err.Error()
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Pipeline runs transforms inside ticket-scoped working directories.
type Pipeline interface {
	Run(ctx context.Context, job pool.Job) (string, error)
	UploadDir(ticketID string) string
	TargetDir(ticketID string) string
	Cleanup(ticketID string)
}

type Executor interface {
	Submit(job pool.Job) (*pool.Handle, error)
}

type StatusCache interface {
	Get(ctx context.Context, ticketID string) (*models.Ticket, error)
	Set(ctx context.Context, ticket *models.Ticket) error
}

// Outcome describes how a transform request was answered.
type Outcome struct {
	Mode   validation.Mode
	Ticket string
	// FilePath is relative to the output area root.
	FilePath string
	// ArtifactPath is set when the artifact must be streamed back. Call
	// Release once it has been sent.
	ArtifactPath string
	// Endpoint and Status locate the result of a deferred upload.
	Endpoint string
	Status   string

	release func()
	handle  *pool.Handle
}

func (o *Outcome) Release() {
	if o.release != nil {
		o.release()
		o.release = nil
	}
}

// Wait blocks until a deferred job has been completed. It returns at
// once for prompt requests.
func (o *Outcome) Wait(ctx context.Context) error {
	if o.handle == nil {
		return nil
	}
	_, err := o.handle.Wait(ctx)
	return err
}

type TicketService struct {
	repo     repository.Repository
	pipeline Pipeline
	executor Executor
	area     *output.Area
	cache    StatusCache
	sink     accounting.Sink
	logger   *zap.Logger
	newID    func() (string, error)
	now      func() time.Time
}

type Option func(*TicketService)

func WithStatusCache(c StatusCache) Option {
	return func(s *TicketService) { s.cache = c }
}

func WithAccounting(sink accounting.Sink) Option {
	return func(s *TicketService) { s.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(s *TicketService) { s.now = now }
}

func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *TicketService) { s.newID = fn }
}

func NewTicketService(repo repository.Repository, pipeline Pipeline, executor Executor, area *output.Area, logger *zap.Logger, opts ...Option) *TicketService {
	s := &TicketService{
		repo:     repo,
		pipeline: pipeline,
		executor: executor,
		area:     area,
		sink:     accounting.Discard,
		logger:   logger,
		newID:    NewTicketID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTicketID returns 128 random bits as 32 hex characters.
func NewTicketID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *TicketService) Transform(ctx context.Context, req *validation.Request) (*Outcome, error) {
	ticket, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate ticket: %w", err)
	}

	source := req.Path
	if req.FromUpload() {
		if source, err = s.stage(ticket, req.Upload); err != nil {
			s.pipeline.Cleanup(ticket)
			return nil, err
		}
	}

	job := pool.Job{
		TicketID:   ticket,
		SourcePath: source,
		TargetDir:  s.pipeline.TargetDir(ticket),
		Options:    req.Options,
	}

	if req.Mode == validation.ModeDeferred {
		return s.deferred(ctx, req, job)
	}
	return s.prompt(ctx, req, job)
}

func (s *TicketService) prompt(ctx context.Context, req *validation.Request, job pool.Job) (*Outcome, error) {
	start := s.now().UTC()
	artifact, err := s.pipeline.Run(ctx, job)
	elapsed := s.now().UTC().Sub(start)
	metrics.TransformDuration.WithLabelValues(string(validation.ModePrompt), string(req.Options.SrcType)).Observe(elapsed.Seconds())

	rec := accounting.Record{
		Ticket:         job.TicketID,
		ExecutionStart: start,
		ExecutionTime:  workersvc.Seconds(elapsed),
		FileSize:       req.InputSize(),
	}

	if err != nil {
		s.pipeline.Cleanup(job.TicketID)
		rec.Comment = err.Error()
		s.sink.Record(rec)
		s.logger.Warn("Prompt transform failed",
			zap.String("ticket", job.TicketID),
			zap.Error(err),
		)
		return nil, &TransformError{Err: err}
	}

	if req.FromUpload() {
		rec.Success = true
		s.sink.Record(rec)
		return &Outcome{
			Mode:         validation.ModePrompt,
			Ticket:       job.TicketID,
			ArtifactPath: artifact,
			release:      func() { s.pipeline.Cleanup(job.TicketID) },
		}, nil
	}

	rel, err := s.area.Place(artifact)
	s.pipeline.Cleanup(job.TicketID)
	if err != nil {
		rec.Comment = err.Error()
		s.sink.Record(rec)
		return nil, fmt.Errorf("place artifact: %w", err)
	}
	rec.Success = true
	s.sink.Record(rec)
	return &Outcome{Mode: validation.ModePrompt, Ticket: job.TicketID, FilePath: rel}, nil
}

func (s *TicketService) deferred(ctx context.Context, req *validation.Request, job pool.Job) (*Outcome, error) {
	ticket := &models.Ticket{
		ID:          job.TicketID,
		RequestedAt: s.now().UTC(),
		InputSize:   req.InputSize(),
	}
	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		s.pipeline.Cleanup(job.TicketID)
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	job.RequestedAt = ticket.RequestedAt
	job.InputSize = ticket.InputSize

	handle, err := s.executor.Submit(job)
	if err != nil {
		s.pipeline.Cleanup(job.TicketID)
		comment := fmt.Sprintf("job not scheduled: %v", err)
		if cerr := s.repo.CompleteTicket(ctx, ticket.ID, models.Failed(comment, 0)); cerr != nil {
			s.logger.Error("Failed to close unscheduled ticket",
				zap.String("ticket", ticket.ID),
				zap.Error(cerr),
			)
		}
		return nil, fmt.Errorf("submit job: %w", err)
	}

	s.logger.Info("Ticket created",
		zap.String("ticket", ticket.ID),
		zap.String("src_type", string(req.Options.SrcType)),
		zap.Bool("upload", req.FromUpload()),
	)

	out := &Outcome{Mode: validation.ModeDeferred, Ticket: ticket.ID, handle: handle}
	if req.FromUpload() {
		out.Endpoint = "/resource/" + ticket.ID
		out.Status = "/status/" + ticket.ID
	} else {
		// Predicted from today's bucket. The artifact is bucketed by its
		// completion date, so the recorded result path is authoritative.
		out.FilePath = s.area.RelPath(ticket.ID + ".tar.gz")
	}
	return out, nil
}

func (s *TicketService) stage(ticket string, u *validation.Upload) (string, error) {
	dir := s.pipeline.UploadDir(ticket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(dir, SecureFilename(u.Filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}

	if _, err := io.Copy(dst, u.File); err != nil {
		dst.Close()
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return path, nil
}

// SecureFilename keeps the base name of name with only ASCII letters,
// digits, dots, dashes and underscores.
func SecureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return "resource"
	}
	return clean
}

// GetStatus returns the current snapshot of a ticket.
func (s *TicketService) GetStatus(ctx context.Context, ticketID string) (*models.Ticket, error) {
	if s.cache != nil {
		ticket, err := s.cache.Get(ctx, ticketID)
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, database.ErrCacheMiss) {
			s.logger.Warn("Status cache read failed", zap.String("ticket", ticketID), zap.Error(err))
		}
	}

	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && ticket.Completed() {
		if err := s.cache.Set(ctx, ticket); err != nil {
			s.logger.Warn("Status cache write failed", zap.String("ticket", ticketID), zap.Error(err))
		}
	}
	return ticket, nil
}

// GetResource resolves the artifact of a completed ticket to an absolute
// path. A recorded artifact that is gone yields output.ErrArtifactMissing.
func (s *TicketService) GetResource(ctx context.Context, ticketID string) (string, error) {
	ticket, err := s.GetStatus(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if !ticket.Completed() || ticket.ResultPath == nil {
		return "", ErrResultNotReady
	}

	full, _, err := s.area.Stat(*ticket.ResultPath)
	if err != nil {
		s.logger.Error("Recorded artifact does not resolve",
			zap.String("ticket", ticketID),
			zap.String("result", *ticket.ResultPath),
			zap.Error(err),
		)
		return "", err
	}
	return full, nil
}
