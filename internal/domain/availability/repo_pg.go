package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/physiohome/engine/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (r *pgStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const therapistCols = `id, online, vacation, service_radius_km, created_at, updated_at`

func scanTherapist(row pgx.Row) (*Therapist, error) {
	t := Therapist{Weekly: map[time.Weekday][]Interval{}}
	err := row.Scan(&t.ID, &t.Online, &t.Vacation, &t.ServiceRadiusKm, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTherapistNotFound
	}
	if err != nil {
		return nil, db.Unavailable(err)
	}
	return &t, nil
}

func (r *pgStore) loadIntervals(ctx context.Context, ts map[uuid.UUID]*Therapist) error {
	if len(ts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(ts))
	for id := range ts {
		ids = append(ids, id)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT therapist_id, weekday, start_hour, end_hour
		FROM availability_intervals
		WHERE therapist_id = ANY($1)
		ORDER BY therapist_id, weekday, start_hour`, ids)
	if err != nil {
		return db.Unavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id         uuid.UUID
			day        int16
			start, end int16
		)
		if err := rows.Scan(&id, &day, &start, &end); err != nil {
			return db.Unavailable(err)
		}
		t := ts[id]
		wd := time.Weekday(day)
		t.Weekly[wd] = append(t.Weekly[wd], Interval{Start: int(start), End: int(end)})
	}
	return db.Unavailable(rows.Err())
}

func (r *pgStore) Register(ctx context.Context, id uuid.UUID, radiusKm float64) (*Therapist, error) {
	t, err := scanTherapist(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO therapists (id, service_radius_km)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET service_radius_km = EXCLUDED.service_radius_km, updated_at = NOW()
		RETURNING `+therapistCols, id, radiusKm))
	if err != nil {
		return nil, err
	}
	if err := r.loadIntervals(ctx, map[uuid.UUID]*Therapist{id: t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *pgStore) Get(ctx context.Context, id uuid.UUID) (*Therapist, error) {
	t, err := scanTherapist(r.conn(ctx).QueryRow(ctx, `SELECT `+therapistCols+` FROM therapists WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadIntervals(ctx, map[uuid.UUID]*Therapist{id: t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *pgStore) List(ctx context.Context) ([]*Therapist, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+therapistCols+` FROM therapists ORDER BY id`)
	if err != nil {
		return nil, db.Unavailable(err)
	}
	defer rows.Close()

	var out []*Therapist
	byID := make(map[uuid.UUID]*Therapist)
	for rows.Next() {
		t, err := scanTherapist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable(err)
	}
	if err := r.loadIntervals(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pgStore) Update(ctx context.Context, id uuid.UUID, fn func(t *Therapist) error) (*Therapist, error) {
	var result *Therapist
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		t, err := scanTherapist(r.conn(ctx).QueryRow(ctx,
			`SELECT `+therapistCols+` FROM therapists WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := r.loadIntervals(ctx, map[uuid.UUID]*Therapist{id: t}); err != nil {
			return err
		}

		before := t.Clone()
		if err := fn(t); err != nil {
			return err
		}

		if err := r.conn(ctx).QueryRow(ctx, `
			UPDATE therapists SET online = $2, vacation = $3, service_radius_km = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			id, t.Online, t.Vacation, t.ServiceRadiusKm).Scan(&t.UpdatedAt); err != nil {
			return db.Unavailable(err)
		}

		for day := time.Sunday; day <= time.Saturday; day++ {
			if equalIntervals(before.Weekly[day], t.Weekly[day]) {
				continue
			}
			if err := r.replaceDay(ctx, id, day, t.Weekly[day]); err != nil {
				return err
			}
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pgStore) replaceDay(ctx context.Context, id uuid.UUID, day time.Weekday, ivs []Interval) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx,
		`DELETE FROM availability_intervals WHERE therapist_id = $1 AND weekday = $2`, id, int16(day)); err != nil {
		return db.Unavailable(err)
	}
	for _, iv := range ivs {
		if _, err := q.Exec(ctx, `
			INSERT INTO availability_intervals (therapist_id, weekday, start_hour, end_hour)
			VALUES ($1, $2, $3, $4)`, id, int16(day), int16(iv.Start), int16(iv.End)); err != nil {
			return fmt.Errorf("insert interval %s [%d,%d): %w", day, iv.Start, iv.End, db.Unavailable(err))
		}
	}
	return nil
}

func equalIntervals(a, b []Interval) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
