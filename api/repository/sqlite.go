package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"geoTransform/api/database"
	"geoTransform/api/models"
)

// sqliteTimeLayout sorts lexically and matches CURRENT_TIMESTAMP.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db}
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	db, err := database.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteRepo(db), nil
}

func (r *SQLiteRepo) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	prepareTicket(ticket)

	query := `
		INSERT INTO tickets (ticket, requested_time, filesize)
		VALUES (?, ?, ?)
		ON CONFLICT(ticket) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		ticket.ID,
		ticket.RequestedAt.Format(sqliteTimeLayout),
		ticket.InputSize,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTicketAlreadyExists
	}
	return nil
}

func (r *SQLiteRepo) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	query := `
		SELECT ticket, requested_time, filesize, status, success, result, execution_time, comment
		FROM tickets
		WHERE ticket = ?
	`

	var (
		ticket        models.Ticket
		requested     any
		filesize      sql.NullInt64
		success       sql.NullBool
		resultPath    sql.NullString
		executionTime sql.NullFloat64
		comment       sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&ticket.ID,
		&requested,
		&filesize,
		&ticket.Status,
		&success,
		&resultPath,
		&executionTime,
		&comment,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	if ticket.RequestedAt, err = parseSQLiteTime(requested); err != nil {
		return nil, err
	}
	ticket.InputSize = filesize.Int64
	if success.Valid {
		ticket.Success = &success.Bool
	}
	if resultPath.Valid {
		ticket.ResultPath = &resultPath.String
	}
	if executionTime.Valid {
		ticket.ExecutionTime = &executionTime.Float64
	}
	if comment.Valid {
		ticket.Comment = &comment.String
	}
	return &ticket, nil
}

// parseSQLiteTime accepts what the driver hands back for a TIMESTAMP
// column: a time.Time when it recognises the text, the text otherwise.
func parseSQLiteTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseSQLiteText(t)
	case []byte:
		return parseSQLiteText(string(t))
	}
	return time.Time{}, fmt.Errorf("unexpected requested_time type %T", v)
}

func parseSQLiteText(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable requested_time %q", s)
}

func (r *SQLiteRepo) CompleteTicket(ctx context.Context, id string, completion models.Completion) error {
	if err := completion.Validate(); err != nil {
		return err
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	query := `
		UPDATE tickets
		SET status = ?, success = ?, result = ?, execution_time = ?, comment = ?
		WHERE ticket = ? AND status = ?
	`
	result, err := conn.ExecContext(ctx, query,
		models.StatusCompleted,
		completion.Success,
		completion.ResultPath,
		completion.ExecutionTime,
		completion.Comment,
		id,
		models.StatusPending,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status models.TicketStatus
	err = conn.QueryRowContext(ctx, `SELECT status FROM tickets WHERE ticket = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTicketNotFound
	}
	if err != nil {
		return err
	}
	return ErrTicketAlreadyCompleted
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}
