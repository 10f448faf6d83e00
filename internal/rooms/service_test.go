package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/apperrors"
	"campusattend/internal/model"
	"campusattend/internal/store"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func setup(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	for _, r := range []model.Room{
		{ID: "R", Name: "Lecture hall", Capacity: 30, Active: true},
		{ID: "S", Name: "Seminar", Capacity: 12, Active: true},
		{ID: "X", Name: "Closed lab", Capacity: 80, Active: false},
	} {
		require.NoError(t, st.UpsertRoom(ctx, r))
	}
	room := "R"
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "booked", Title: "Physics", StartsAt: at(10, 0), DurationMinutes: 60, RoomID: &room, GroupIDs: []string{"g"},
	}))
	return NewService(st, nil), st
}

func TestIsAvailableHalfOpen(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	ok, err := svc.IsAvailable(ctx, "R", at(10, 30), at(11, 30))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.IsAvailable(ctx, "R", at(11, 0), at(12, 0))
	require.NoError(t, err)
	assert.True(t, ok, "back to back bookings are legal")

	ok, err = svc.IsAvailable(ctx, "R", at(9, 0), at(10, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.IsAvailable(ctx, "nope", at(9, 0), at(10, 0))
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)

	_, err = svc.IsAvailable(ctx, "R", at(10, 0), at(10, 0))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestFindAvailable(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	rooms, err := svc.FindAvailable(ctx, at(10, 30), at(11, 30), 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "S", rooms[0].ID, "inactive and busy rooms are excluded")

	rooms, err = svc.FindAvailable(ctx, at(11, 0), at(12, 0), 20)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "R", rooms[0].ID)

	rooms, err = svc.FindAvailable(ctx, at(10, 30), at(11, 30), 100)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestCheckPlacement(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	err := svc.CheckPlacement(ctx, st, "R", "new", at(10, 59), at(12, 0))
	require.ErrorIs(t, err, apperrors.ErrRoomConflict)
	var conflict *apperrors.RoomConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "booked", conflict.SessionID)
	assert.Equal(t, at(10, 0), conflict.Start)
	assert.Equal(t, at(11, 0), conflict.End)

	// A session never conflicts with its own booking.
	assert.NoError(t, svc.CheckPlacement(ctx, st, "R", "booked", at(10, 30), at(11, 30)))

	err = svc.CheckPlacement(ctx, st, "X", "new", at(8, 0), at(9, 0))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBusy(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	room := "R"
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "early", StartsAt: at(8, 0), DurationMinutes: 90, RoomID: &room, GroupIDs: []string{"g"},
	}))

	busy, err := svc.Busy(ctx, "R", at(0, 0), at(23, 59))
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.Equal(t, "early", busy[0].SessionID)
	assert.Equal(t, "booked", busy[1].SessionID)

	busy, err = svc.Busy(ctx, "R", at(9, 30), at(10, 0))
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestSaveValidates(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.Save(context.Background(), model.Room{ID: "Z", Name: "Z", Capacity: 0})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	r, err := svc.Save(context.Background(), model.Room{ID: "Z", Name: "Zeta", Capacity: 10, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "Zeta", r.Name)
}
