// Package matching selects the therapists an open request is broadcast to.
package matching

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/internal/domain/availability"
	"github.com/physiohome/engine/internal/domain/request"
)

// Directory lists every registered therapist.
type Directory interface {
	List(ctx context.Context) ([]*availability.Therapist, error)
}

// Index answers candidate queries from the current availability state. It
// keeps nothing between calls.
type Index struct {
	dir Directory
	loc *time.Location
}

func NewIndex(dir Directory, loc *time.Location) *Index {
	if loc == nil {
		loc = time.UTC
	}
	return &Index{dir: dir, loc: loc}
}

type ranked struct {
	id   uuid.UUID
	dist float64
}

// Candidates returns the therapists eligible for at least one offered slot
// whose service radius covers the request, nearest first. A therapist with
// no known distance is treated as in range and ranked last.
func (x *Index) Candidates(ctx context.Context, req *request.Request) ([]uuid.UUID, error) {
	therapists, err := x.dir.List(ctx)
	if err != nil {
		return nil, err
	}

	var found []ranked
	for _, t := range therapists {
		dist, known := req.Meta.DistanceFor(t.ID)
		if known && dist > t.ServiceRadiusKm {
			continue
		}
		if !known {
			dist = math.Inf(1)
		}
		if x.anySlot(t, req.Slots) {
			found = append(found, ranked{id: t.ID, dist: dist})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].id.String() < found[j].id.String()
	})
	out := make([]uuid.UUID, len(found))
	for i, r := range found {
		out[i] = r.id
	}
	return out, nil
}

func (x *Index) anySlot(t *availability.Therapist, slots []request.Slot) bool {
	for _, s := range slots {
		if t.Eligible(s.Start, s.Duration, x.loc) {
			return true
		}
	}
	return false
}
