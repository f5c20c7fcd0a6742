package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/physiohome/engine/internal/platform/db"
)

type pgRegistry struct{ pool *pgxpool.Pool }

func NewPGRegistry(pool *pgxpool.Pool) Registry { return &pgRegistry{pool: pool} }

func (r *pgRegistry) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const requestCols = `id, kind, patient_id, target_therapist_id, candidates, declined, slots, meta,
	status, created_at, deadline, resolved_at, claimed_by, session_id, version`

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		req         Request
		slots, meta []byte
	)
	err := row.Scan(&req.ID, &req.Kind, &req.PatientID, &req.TargetTherapistID,
		&req.Candidates, &req.Declined, &slots, &meta,
		&req.Status, &req.CreatedAt, &req.Deadline, &req.ResolvedAt,
		&req.ClaimedBy, &req.SessionID, &req.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, db.Unavailable(err)
	}
	if err := json.Unmarshal(slots, &req.Slots); err != nil {
		return nil, fmt.Errorf("decode slots of request %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(meta, &req.Meta); err != nil {
		return nil, fmt.Errorf("decode meta of request %s: %w", req.ID, err)
	}
	return &req, nil
}

func (r *pgRegistry) list(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Unavailable(err)
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, db.Unavailable(rows.Err())
}

func (r *pgRegistry) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, db.Unavailable(err)
	}
	return n, nil
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func (r *pgRegistry) Create(ctx context.Context, req *Request) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	slots, err := json.Marshal(req.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	meta, err := json.Marshal(req.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO session_requests (id, kind, patient_id, target_therapist_id, candidates, declined,
			slots, meta, status, created_at, deadline, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.Kind, req.PatientID, req.TargetTherapistID, nonNil(req.Candidates), nonNil(req.Declined),
		slots, meta, req.Status, req.CreatedAt, req.Deadline, req.Version)
	return db.Unavailable(err)
}

func (r *pgRegistry) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM session_requests WHERE id = $1`, id))
}

const openForTherapist = `FROM session_requests
	WHERE status = 'open' AND deadline >= $2
	  AND EXISTS (SELECT 1 FROM jsonb_array_elements(slots) s WHERE (s->>'start')::timestamptz > $2)
	  AND (target_therapist_id = $1 OR (kind = 'open' AND $1 = ANY(candidates)))`

func (r *pgRegistry) ListOpenForTherapist(ctx context.Context, therapistID uuid.UUID, now time.Time, limit, offset int) ([]*Request, int, error) {
	total, err := r.count(ctx, `SELECT COUNT(*) `+openForTherapist, therapistID, now)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+requestCols+` `+openForTherapist+`
		ORDER BY deadline, id LIMIT $3 OFFSET $4`, therapistID, now, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *pgRegistry) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	total, err := r.count(ctx, `SELECT COUNT(*) FROM session_requests WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+requestCols+` FROM session_requests
		WHERE patient_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *pgRegistry) ListDue(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	return r.list(ctx, `SELECT `+requestCols+` FROM session_requests
		WHERE status = 'open' AND deadline <= $1
		ORDER BY deadline, id LIMIT $2`, now, limit)
}

// Update locks the row for the length of a transaction. The write is guarded
// on the version read under that lock.
func (r *pgRegistry) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, req *Request) error) (*Request, error) {
	var result *Request
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		req, err := scanRequest(r.conn(ctx).QueryRow(ctx,
			`SELECT `+requestCols+` FROM session_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		version := req.Version
		if err := fn(ctx, req); err != nil {
			return err
		}

		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE session_requests
			SET status = $3, candidates = $4, declined = $5, resolved_at = $6,
			    claimed_by = $7, session_id = $8, version = version + 1
			WHERE id = $1 AND version = $2`,
			id, version, req.Status, nonNil(req.Candidates), nonNil(req.Declined),
			req.ResolvedAt, req.ClaimedBy, req.SessionID)
		if err != nil {
			return db.Unavailable(err)
		}
		if tag.RowsAffected() == 0 {
			return errConcurrentUpdate
		}
		req.Version = version + 1
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
