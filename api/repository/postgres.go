package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"geoTransform/api/database"
	"geoTransform/api/models"
)

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func OpenPostgres(ctx context.Context, url string) (*PostgresRepo, error) {
	db, err := database.ConnectPostgres(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewPostgresRepo(db), nil
}

func (r *PostgresRepo) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	prepareTicket(ticket)

	query := `
		INSERT INTO tickets (ticket, requested_time, filesize)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticket) DO NOTHING
	`
	result, err := r.db.Pool.Exec(ctx, query, ticket.ID, ticket.RequestedAt, ticket.InputSize)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTicketAlreadyExists
	}
	return nil
}

func (r *PostgresRepo) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	query := `
		SELECT ticket, requested_time, COALESCE(filesize, 0), status, success, result, execution_time, comment
		FROM tickets
		WHERE ticket = $1
	`

	row := r.db.Pool.QueryRow(ctx, query, id)

	var ticket models.Ticket
	var status int16
	err := row.Scan(
		&ticket.ID,
		&ticket.RequestedAt,
		&ticket.InputSize,
		&status,
		&ticket.Success,
		&ticket.ResultPath,
		&ticket.ExecutionTime,
		&ticket.Comment,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	ticket.Status = models.TicketStatus(status)
	ticket.RequestedAt = ticket.RequestedAt.UTC()
	return &ticket, nil
}

func (r *PostgresRepo) CompleteTicket(ctx context.Context, id string, completion models.Completion) error {
	if err := completion.Validate(); err != nil {
		return err
	}

	conn, err := r.db.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	query := `
		UPDATE tickets
		SET status = $1, success = $2, result = $3, execution_time = $4, comment = $5
		WHERE ticket = $6 AND status = $7
	`
	result, err := conn.Exec(ctx, query,
		int16(models.StatusCompleted),
		completion.Success,
		completion.ResultPath,
		completion.ExecutionTime,
		completion.Comment,
		id,
		int16(models.StatusPending),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var status int16
	err = conn.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTicketNotFound
	}
	if err != nil {
		return err
	}
	return ErrTicketAlreadyCompleted
}

func (r *PostgresRepo) Close() error {
	r.db.Close()
	return nil
}
