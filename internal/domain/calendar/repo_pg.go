package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/physiohome/engine/internal/domain/errs"
	"github.com/physiohome/engine/internal/platform/db"
)

type pgRepo struct{ pool *pgxpool.Pool }

func NewPGRepo(pool *pgxpool.Pool) Repository { return &pgRepo{pool: pool} }

func (r *pgRepo) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, therapist_id, patient_id, request_id, kind, starts_at, ends_at, override, cancelled_at, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TherapistID, &s.PatientID, &s.RequestID, &s.Kind,
		&s.Start, &s.End, &s.Override, &s.CancelledAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return &s, nil
}

// Lock takes a transaction-scoped advisory lock keyed on the therapist. When
// ctx already carries a transaction the lock joins it and is released at its
// commit or rollback.
func (r *pgRepo) Lock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, therapistID.String()); err != nil {
			return fmt.Errorf("lock therapist calendar: %w", db.Unavailable(err))
		}
		return fn(ctx)
	})
}

func (r *pgRepo) Insert(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sessions (id, therapist_id, patient_id, request_id, kind, starts_at, ends_at, override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		s.ID, s.TherapistID, s.PatientID, s.RequestID, s.Kind, s.Start, s.End, s.Override,
	).Scan(&s.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: request already has a session", errs.ErrConflict)
	}
	return db.Unavailable(err)
}

func (r *pgRepo) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
}

func (r *pgRepo) list(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Unavailable(err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, db.Unavailable(rows.Err())
}

func (r *pgRepo) Active(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error) {
	return r.list(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE therapist_id = $1 AND cancelled_at IS NULL AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`, therapistID, from, to)
}

func (r *pgRepo) ListByTherapist(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error) {
	return r.list(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE therapist_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`, therapistID, from, to)
}

func (r *pgRepo) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `
		UPDATE sessions SET cancelled_at = $2
		WHERE id = $1 AND cancelled_at IS NULL
		RETURNING `+sessionCols, id, at))
	if !errors.Is(err, ErrSessionNotFound) {
		return s, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyCancelled
}
