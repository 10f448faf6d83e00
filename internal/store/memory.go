package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campusattend/internal/apperrors"
	"campusattend/internal/interval"
	"campusattend/internal/model"
)

// Memory is a mutex-guarded in-process Store for development and tests.
// A transaction holds the lock for its whole duration and restores a snapshot on error.
type Memory struct {
	mu   *sync.Mutex
	data *memData
	held bool
}

type memData struct {
	sessions map[string]model.Session
	records  map[recordKey]model.AttendanceRecord
	rooms    map[string]model.Room
	groups   map[string][]string
}

type recordKey struct{ session, student string }

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		data: &memData{
			sessions: make(map[string]model.Session),
			records:  make(map[recordKey]model.AttendanceRecord),
			rooms:    make(map[string]model.Room),
			groups:   make(map[string][]string),
		},
	}
}

func (d *memData) clone() *memData {
	out := &memData{
		sessions: make(map[string]model.Session, len(d.sessions)),
		records:  make(map[recordKey]model.AttendanceRecord, len(d.records)),
		rooms:    make(map[string]model.Room, len(d.rooms)),
		groups:   make(map[string][]string, len(d.groups)),
	}
	for k, v := range d.sessions {
		out.sessions[k] = v.Clone()
	}
	for k, v := range d.records {
		out.records[k] = v
	}
	for k, v := range d.rooms {
		out.rooms[k] = v
	}
	for k, v := range d.groups {
		out.groups[k] = append([]string(nil), v...)
	}
	return out
}

func (m *Memory) lock() func() {
	if m.held {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx runs fn while holding the store lock.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if m.held {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.data.clone()
	if err := fn(&Memory{mu: m.mu, data: m.data, held: true}); err != nil {
		*m.data = *snapshot
		return err
	}
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (model.Session, error) {
	defer m.lock()()
	s, ok := m.data.sessions[id]
	if !ok {
		return model.Session{}, apperrors.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) CreateSession(_ context.Context, s model.Session) error {
	defer m.lock()()
	if _, exists := m.data.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if err := m.checkBooking(s); err != nil {
		return err
	}
	m.data.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) UpdateSession(_ context.Context, s model.Session) error {
	defer m.lock()()
	if _, exists := m.data.sessions[s.ID]; !exists {
		return apperrors.ErrSessionNotFound
	}
	if err := m.checkBooking(s); err != nil {
		return err
	}
	m.data.sessions[s.ID] = s.Clone()
	return nil
}

// checkBooking plays the role of the exclusion constraint.
func (m *Memory) checkBooking(s model.Session) error {
	b, ok := model.BookingOf(s)
	if !ok {
		return nil
	}
	if _, exists := m.data.rooms[b.RoomID]; !exists {
		return apperrors.ErrRoomNotFound
	}
	for _, other := range m.data.sessions {
		if other.ID == s.ID {
			continue
		}
		ob, ok := model.BookingOf(other)
		if !ok || ob.RoomID != b.RoomID {
			continue
		}
		if interval.Overlaps(b.Start, b.End, ob.Start, ob.End) {
			return &apperrors.RoomConflictError{RoomID: b.RoomID, SessionID: ob.SessionID, Start: ob.Start, End: ob.End}
		}
	}
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.data.sessions[id]; !ok {
		return apperrors.ErrSessionNotFound
	}
	delete(m.data.sessions, id)
	for k := range m.data.records {
		if k.session == id {
			delete(m.data.records, k)
		}
	}
	return nil
}

func (m *Memory) ListUnfinalized(_ context.Context, from, to time.Time) ([]model.Session, error) {
	defer m.lock()()
	var out []model.Session
	for _, s := range m.data.sessions {
		if s.AttendanceFinalized || s.StartsAt.Before(from) || !s.StartsAt.Before(to) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (m *Memory) FindRecord(_ context.Context, sessionID, studentID string) (model.AttendanceRecord, error) {
	defer m.lock()()
	r, ok := m.data.records[recordKey{sessionID, studentID}]
	if !ok {
		return model.AttendanceRecord{}, apperrors.ErrRecordNotFound
	}
	return r, nil
}

// InsertRecord enforces the (session, student) uniqueness constraint.
func (m *Memory) InsertRecord(_ context.Context, r model.AttendanceRecord) error {
	defer m.lock()()
	if _, ok := m.data.sessions[r.SessionID]; !ok {
		return apperrors.ErrSessionNotFound
	}
	key := recordKey{r.SessionID, r.StudentID}
	if _, exists := m.data.records[key]; exists {
		return apperrors.ErrDuplicateAttendance
	}
	m.data.records[key] = r
	return nil
}

func (m *Memory) ListRecords(_ context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	defer m.lock()()
	var out []model.AttendanceRecord
	for k, r := range m.data.records {
		if k.session == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m *Memory) UpdateJustification(_ context.Context, r model.AttendanceRecord) error {
	defer m.lock()()
	key := recordKey{r.SessionID, r.StudentID}
	cur, ok := m.data.records[key]
	if !ok {
		return apperrors.ErrRecordNotFound
	}
	cur.Justified = r.Justified
	cur.JustificationText = r.JustificationText
	cur.DocumentRef = r.DocumentRef
	m.data.records[key] = cur
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id string) (model.Room, error) {
	defer m.lock()()
	r, ok := m.data.rooms[id]
	if !ok {
		return model.Room{}, apperrors.ErrRoomNotFound
	}
	return r, nil
}

func (m *Memory) ListRooms(_ context.Context, activeOnly bool) ([]model.Room, error) {
	defer m.lock()()
	var out []model.Room
	for _, r := range m.data.rooms {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertRoom(_ context.Context, r model.Room) error {
	defer m.lock()()
	m.data.rooms[r.ID] = r
	return nil
}

func (m *Memory) FindBookings(_ context.Context, roomIDs []string, start, end time.Time) ([]model.Booking, error) {
	defer m.lock()()
	var wanted map[string]bool
	if roomIDs != nil {
		wanted = make(map[string]bool, len(roomIDs))
		for _, id := range roomIDs {
			wanted[id] = true
		}
	}
	var out []model.Booking
	for _, s := range m.data.sessions {
		b, ok := model.BookingOf(s)
		if !ok || (wanted != nil && !wanted[b.RoomID]) {
			continue
		}
		if interval.Overlaps(b.Start, b.End, start, end) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ResolveRoster(_ context.Context, sessionID string) ([]string, error) {
	defer m.lock()()
	s, ok := m.data.sessions[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	seen := make(map[string]bool)
	var out []string
	for _, g := range s.GroupIDs {
		for _, st := range m.data.groups[g] {
			if !seen[st] {
				seen[st] = true
				out = append(out, st)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SetGroupMembers(_ context.Context, groupID string, studentIDs []string) error {
	defer m.lock()()
	m.data.groups[groupID] = append([]string(nil), studentIDs...)
	return nil
}
