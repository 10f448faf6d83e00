// Package interval answers overlap questions over half-open [start, end) time intervals
// grouped by resource.
package interval

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEmptyInterval is returned when an interval has no positive length.
var ErrEmptyInterval = errors.New("interval must have end after start")

// Interval is a half-open [Start, End) range owned by ID.
type Interval struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [s1,e1) and [s2,e2) share any instant.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// Index keeps a per-resource list sorted by start. maxEnd[i] is the latest end among
// items[0..i], which bounds the backward scan of a conflict check.
type Index struct {
	mu        sync.RWMutex
	resources map[string]*timeline
}

type timeline struct {
	items  []Interval
	maxEnd []time.Time
}

// New returns an empty index.
func New() *Index {
	return &Index{resources: make(map[string]*timeline)}
}

// Add inserts iv for resource. Zero or negative length intervals never occupy the index.
func (x *Index) Add(resource string, iv Interval) error {
	if !iv.Start.Before(iv.End) {
		return ErrEmptyInterval
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	tl, ok := x.resources[resource]
	if !ok {
		tl = &timeline{}
		x.resources[resource] = tl
	}
	pos := sort.Search(len(tl.items), func(i int) bool { return tl.items[i].Start.After(iv.Start) })
	tl.items = append(tl.items, Interval{})
	copy(tl.items[pos+1:], tl.items[pos:])
	tl.items[pos] = iv
	tl.rebuild(pos)
	return nil
}

// Conflicts reports whether [start, end) overlaps any interval of resource.
func (x *Index) Conflicts(resource string, start, end time.Time) bool {
	_, ok := x.FirstConflict(resource, start, end, "")
	return ok
}

// FirstConflict returns the earliest-starting interval overlapping [start, end),
// ignoring the interval whose ID equals exclude.
func (x *Index) FirstConflict(resource string, start, end time.Time, exclude string) (Interval, bool) {
	if !start.Before(end) {
		return Interval{}, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	tl, ok := x.resources[resource]
	if !ok {
		return Interval{}, false
	}
	var (
		found Interval
		hit   bool
	)
	// Everything at or after upper starts at or after end.
	upper := sort.Search(len(tl.items), func(i int) bool { return !tl.items[i].Start.Before(end) })
	for i := upper - 1; i >= 0; i-- {
		if !tl.maxEnd[i].After(start) {
			break
		}
		it := tl.items[i]
		if it.ID != "" && it.ID == exclude {
			continue
		}
		if it.End.After(start) {
			found, hit = it, true
		}
	}
	return found, hit
}

// ListBusy returns the intervals of resource overlapping [rangeStart, rangeEnd), ordered by start.
func (x *Index) ListBusy(resource string, rangeStart, rangeEnd time.Time) []Interval {
	if !rangeStart.Before(rangeEnd) {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	tl, ok := x.resources[resource]
	if !ok {
		return nil
	}
	upper := sort.Search(len(tl.items), func(i int) bool { return !tl.items[i].Start.Before(rangeEnd) })
	lower := upper
	for lower > 0 && tl.maxEnd[lower-1].After(rangeStart) {
		lower--
	}
	var out []Interval
	for _, it := range tl.items[lower:upper] {
		if it.End.After(rangeStart) {
			out = append(out, it)
		}
	}
	return out
}

func (tl *timeline) rebuild(from int) {
	if cap(tl.maxEnd) < len(tl.items) {
		grown := make([]time.Time, len(tl.items), 2*len(tl.items))
		copy(grown, tl.maxEnd)
		tl.maxEnd = grown
	}
	tl.maxEnd = tl.maxEnd[:len(tl.items)]
	for i := from; i < len(tl.items); i++ {
		end := tl.items[i].End
		if i > 0 && tl.maxEnd[i-1].After(end) {
			end = tl.maxEnd[i-1]
		}
		tl.maxEnd[i] = end
	}
}
