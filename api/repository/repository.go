package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geoTransform/api/models"
)

var (
	ErrTicketNotFound         = errors.New("ticket not found")
	ErrTicketAlreadyExists    = errors.New("ticket already exists")
	ErrTicketAlreadyCompleted = errors.New("ticket already completed")
)

// Repository is the ticket store. Every mutation touches one row.
type Repository interface {
	// CreateTicket inserts a PENDING row. RequestedAt defaults to now.
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	// CompleteTicket moves a PENDING ticket to COMPLETED, writing the
	// whole completion tuple in one statement.
	CompleteTicket(ctx context.Context, id string, completion models.Completion) error
}

// Store is a Repository that owns its connections.
type Store interface {
	Repository
	Close() error
}

// Open picks the engine from the URL scheme: postgres:// or
// postgresql:// selects PostgreSQL, sqlite://<path> or a bare path
// selects SQLite.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported database url %q", url)
	default:
		return OpenSQLite(ctx, url)
	}
}

func prepareTicket(ticket *models.Ticket) {
	if ticket.RequestedAt.IsZero() {
		ticket.RequestedAt = time.Now()
	}
	ticket.RequestedAt = ticket.RequestedAt.UTC()
	ticket.Status = models.StatusPending
	ticket.Success = nil
	ticket.ResultPath = nil
	ticket.ExecutionTime = nil
	ticket.Comment = nil
}
