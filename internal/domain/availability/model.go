package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/internal/domain/errs"
)

var (
	ErrTherapistNotFound = fmt.Errorf("therapist %w", errs.ErrNotFound)
	ErrInvalidInterval   = fmt.Errorf("%w: invalid availability interval", errs.ErrInvalid)
	ErrInvalidRadius     = fmt.Errorf("%w: service radius must not be negative", errs.ErrInvalid)
	ErrOnVacation        = fmt.Errorf("%w: therapist is on vacation", errs.ErrConflict)
)

const minutesPerDay = 24 * 60

// Interval is a half-open range of whole hours [Start, End) within a day.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (iv Interval) valid() bool {
	return iv.Start >= 0 && iv.End <= 24 && iv.Start < iv.End
}

// Therapist is a therapist's availability profile. Weekly intervals are kept
// disjoint, coalesced and sorted by Start.
type Therapist struct {
	ID              uuid.UUID                   `json:"id"`
	Online          bool                        `json:"online"`
	Vacation        bool                        `json:"vacation"`
	ServiceRadiusKm float64                     `json:"service_radius_km"`
	Weekly          map[time.Weekday][]Interval `json:"weekly"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (t *Therapist) Clone() *Therapist {
	cp := *t
	cp.Weekly = make(map[time.Weekday][]Interval, len(t.Weekly))
	for d, ivs := range t.Weekly {
		cp.Weekly[d] = append([]Interval(nil), ivs...)
	}
	return &cp
}

// Normalize validates intervals and merges touching ones ([9,10) and [10,12)
// become [9,12)). Overlapping input is rejected rather than merged.
func Normalize(intervals []Interval) ([]Interval, error) {
	sorted := append([]Interval(nil), intervals...)
	for _, iv := range sorted {
		if !iv.valid() {
			return nil, fmt.Errorf("%w: [%d,%d)", ErrInvalidInterval, iv.Start, iv.End)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]Interval, 0, len(sorted))
	for _, iv := range sorted {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if iv.Start < last.End {
				return nil, fmt.Errorf("%w: [%d,%d) overlaps [%d,%d)", ErrInvalidInterval, iv.Start, iv.End, last.Start, last.End)
			}
			if iv.Start == last.End {
				last.End = iv.End
				continue
			}
		}
		out = append(out, iv)
	}
	return out, nil
}

// HoursToIntervals turns a set of selected hours (0..23) into coalesced
// one-hour-grained intervals. Duplicates are ignored.
func HoursToIntervals(hours []int) ([]Interval, error) {
	seen := make(map[int]bool, len(hours))
	var ivs []Interval
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("%w: hour %d outside 0..23", ErrInvalidInterval, h)
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		ivs = append(ivs, Interval{Start: h, End: h + 1})
	}
	return Normalize(ivs)
}

// window converts an absolute slot into weekday and minute-of-day bounds in
// loc. ok is false when the slot is empty or crosses midnight; a slot ending
// exactly at midnight ends at minute 1440 of its start day.
func window(start, end time.Time, loc *time.Location) (day time.Weekday, from, to int, ok bool) {
	if !end.After(start) {
		return 0, 0, 0, false
	}
	s := start.In(loc)
	e := end.In(loc)

	from = s.Hour()*60 + s.Minute()
	sy, sm, sd := s.Date()
	ey, em, ed := e.Date()
	switch {
	case sy == ey && sm == em && sd == ed:
		to = e.Hour()*60 + e.Minute()
		if e.Second() > 0 || e.Nanosecond() > 0 {
			to++
		}
	case e.Hour() == 0 && e.Minute() == 0 && e.Second() == 0 && e.Nanosecond() == 0 &&
		time.Date(sy, sm, sd+1, 0, 0, 0, 0, loc).Equal(e):
		to = minutesPerDay
	default:
		return 0, 0, 0, false
	}
	return s.Weekday(), from, to, to > from
}

// Covers reports whether [start, end) lies inside one declared interval of
// its weekday. Online and vacation state are not considered.
func (t *Therapist) Covers(start, end time.Time, loc *time.Location) bool {
	day, from, to, ok := window(start, end, loc)
	if !ok {
		return false
	}
	ivs := t.Weekly[day]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].End*60 > from })
	return i < len(ivs) && ivs[i].Start*60 <= from && to <= ivs[i].End*60
}

// Eligible reports whether the therapist can take a slot right now: online,
// not on vacation, and the slot inside declared availability.
func (t *Therapist) Eligible(start time.Time, duration time.Duration, loc *time.Location) bool {
	return t.Online && !t.Vacation && t.Covers(start, start.Add(duration), loc)
}
