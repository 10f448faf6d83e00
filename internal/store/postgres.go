package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"campusattend/internal/apperrors"
	"campusattend/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgExclusionViolation  = "23P01"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres persists sessions, rooms and attendance in Postgres.
type Postgres struct {
	db *sql.DB
	q  querier
	tx bool
	sb squirrel.StatementBuilderType
}

// NewPostgres creates a repository over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, q: db, sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

var sessionColumns = []string{
	"s.id", "s.title", "s.starts_at", "s.duration_minutes", "s.room_id", "s.professor_id",
	"s.completed", "s.attendance_finalized", "s.qr_token", "s.qr_expires_at", "s.qr_status", "s.qr_mode",
	"s.created_at",
	"COALESCE((SELECT string_agg(g.group_id, ',' ORDER BY g.group_id) FROM session_groups g WHERE g.session_id = s.id), '')",
}

var recordColumns = []string{
	"id", "session_id", "student_id", "status", "captured_at",
	"justified", "justification_text", "document_ref", "marked_by",
}

// WithTx runs fn inside a database transaction; nested calls reuse the outer one.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if p.tx {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Postgres{db: p.db, q: tx, tx: true, sb: p.sb}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) atomic(ctx context.Context, fn func(tx *Postgres) error) error {
	if p.tx {
		return fn(p)
	}
	return p.WithTx(ctx, func(tx Store) error { return fn(tx.(*Postgres)) })
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s       model.Session
		roomID  sql.NullString
		expires sql.NullTime
		status  string
		mode    string
		groups  string
	)
	if err := row.Scan(&s.ID, &s.Title, &s.StartsAt, &s.DurationMinutes, &roomID, &s.ProfessorID,
		&s.Completed, &s.AttendanceFinalized, &s.QR.Token, &expires, &status, &mode, &s.CreatedAt, &groups); err != nil {
		return model.Session{}, err
	}
	if roomID.Valid {
		s.RoomID = &roomID.String
	}
	if expires.Valid {
		s.QR.ExpiresAt = expires.Time
	}
	s.QR.Status = model.QRStatus(status)
	s.QR.Mode = model.QRMode(mode)
	if groups != "" {
		s.GroupIDs = strings.Split(groups, ",")
	}
	return s, nil
}

// GetSession loads a session; inside a transaction the row is locked.
func (p *Postgres) GetSession(ctx context.Context, id string) (model.Session, error) {
	q := p.sb.Select(sessionColumns...).From("sessions s").Where(squirrel.Eq{"s.id": id})
	if p.tx {
		q = q.Suffix("FOR UPDATE OF s")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return model.Session{}, fmt.Errorf("build get session query: %w", err)
	}
	s, err := scanSession(p.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, apperrors.ErrSessionNotFound
		}
		return model.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// CreateSession inserts the session and its groups after re-checking the room under a row lock.
func (p *Postgres) CreateSession(ctx context.Context, s model.Session) error {
	return p.atomic(ctx, func(tx *Postgres) error {
		if err := tx.guardBooking(ctx, s); err != nil {
			return err
		}
		query, args, err := tx.sb.Insert("sessions").
			Columns("id", "title", "starts_at", "duration_minutes", "ends_at", "room_id", "professor_id",
				"completed", "attendance_finalized", "qr_token", "qr_expires_at", "qr_status", "qr_mode", "created_at").
			Values(s.ID, s.Title, s.StartsAt, s.DurationMinutes, s.EndsAt(), nullableRoom(s.RoomID), s.ProfessorID,
				s.Completed, s.AttendanceFinalized, s.QR.Token, nullableTime(s.QR.ExpiresAt), qrStatus(s.QR), qrMode(s.QR), s.CreatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert session query: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, query, args...); err != nil {
			return translateBookingError(err, s)
		}
		return tx.replaceGroups(ctx, s.ID, s.GroupIDs)
	})
}

// UpdateSession saves every mutable column of the session.
func (p *Postgres) UpdateSession(ctx context.Context, s model.Session) error {
	return p.atomic(ctx, func(tx *Postgres) error {
		if err := tx.guardBooking(ctx, s); err != nil {
			return err
		}
		query, args, err := tx.sb.Update("sessions").
			Set("title", s.Title).
			Set("starts_at", s.StartsAt).
			Set("duration_minutes", s.DurationMinutes).
			Set("ends_at", s.EndsAt()).
			Set("room_id", nullableRoom(s.RoomID)).
			Set("completed", s.Completed).
			Set("attendance_finalized", s.AttendanceFinalized).
			Set("qr_token", s.QR.Token).
			Set("qr_expires_at", nullableTime(s.QR.ExpiresAt)).
			Set("qr_status", qrStatus(s.QR)).
			Set("qr_mode", qrMode(s.QR)).
			Where(squirrel.Eq{"id": s.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update session query: %w", err)
		}
		res, err := tx.q.ExecContext(ctx, query, args...)
		if err != nil {
			return translateBookingError(err, s)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperrors.ErrSessionNotFound
		}
		return tx.replaceGroups(ctx, s.ID, s.GroupIDs)
	})
}

// guardBooking locks the room row and looks for a clashing session, so concurrent
// bookings of one room serialize. The exclusion constraint backs this up.
func (p *Postgres) guardBooking(ctx context.Context, s model.Session) error {
	b, ok := model.BookingOf(s)
	if !ok {
		return nil
	}
	var locked string
	if err := p.q.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, b.RoomID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrRoomNotFound
		}
		return fmt.Errorf("lock room %s: %w", b.RoomID, err)
	}

	var clash model.Booking
	err := p.q.QueryRowContext(ctx, `
		SELECT id, starts_at, ends_at FROM sessions
		WHERE room_id = $1 AND id <> $2 AND starts_at < $3 AND ends_at > $4
		ORDER BY starts_at
		LIMIT 1
	`, b.RoomID, s.ID, b.End, b.Start).Scan(&clash.SessionID, &clash.Start, &clash.End)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check room %s bookings: %w", b.RoomID, err)
	}
	return &apperrors.RoomConflictError{RoomID: b.RoomID, SessionID: clash.SessionID, Start: clash.Start, End: clash.End}
}

func (p *Postgres) replaceGroups(ctx context.Context, sessionID string, groupIDs []string) error {
	if _, err := p.q.ExecContext(ctx, `DELETE FROM session_groups WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session groups: %w", err)
	}
	if len(groupIDs) == 0 {
		return nil
	}
	ins := p.sb.Insert("session_groups").Columns("session_id", "group_id").Suffix("ON CONFLICT DO NOTHING")
	for _, g := range groupIDs {
		ins = ins.Values(sessionID, g)
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build session groups query: %w", err)
	}
	if _, err := p.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session groups: %w", err)
	}
	return nil
}

// DeleteSession removes a session; attendance records cascade.
func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	res, err := p.q.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

// ListUnfinalized returns sessions starting in [from, to) that still await finalization.
func (p *Postgres) ListUnfinalized(ctx context.Context, from, to time.Time) ([]model.Session, error) {
	query, args, err := p.sb.Select(sessionColumns...).From("sessions s").
		Where(squirrel.Eq{"s.attendance_finalized": false}).
		Where(squirrel.GtOrEq{"s.starts_at": from}).
		Where(squirrel.Lt{"s.starts_at": to}).
		OrderBy("s.starts_at", "s.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unfinalized sessions query: %w", err)
	}
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unfinalized sessions: %w", err)
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (model.AttendanceRecord, error) {
	var (
		r      model.AttendanceRecord
		status string
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &status, &r.CapturedAt,
		&r.Justified, &r.JustificationText, &r.DocumentRef, &r.MarkedBy)
	r.Status = model.Status(status)
	return r, err
}

// FindRecord returns the record of a student for a session.
func (p *Postgres) FindRecord(ctx context.Context, sessionID, studentID string) (model.AttendanceRecord, error) {
	query, args, err := p.sb.Select(recordColumns...).From("attendance_records").
		Where(squirrel.Eq{"session_id": sessionID, "student_id": studentID}).
		ToSql()
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("build find record query: %w", err)
	}
	r, err := scanRecord(p.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AttendanceRecord{}, apperrors.ErrRecordNotFound
		}
		return model.AttendanceRecord{}, fmt.Errorf("find record: %w", err)
	}
	return r, nil
}

// InsertRecord writes a new record. The unique key on (session_id, student_id) is the
// source of truth for duplicates.
func (p *Postgres) InsertRecord(ctx context.Context, r model.AttendanceRecord) error {
	query, args, err := p.sb.Insert("attendance_records").
		Columns(recordColumns...).
		Values(r.ID, r.SessionID, r.StudentID, string(r.Status), r.CapturedAt,
			r.Justified, r.JustificationText, r.DocumentRef, r.MarkedBy).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert record query: %w", err)
	}
	if _, err := p.q.ExecContext(ctx, query, args...); err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return apperrors.ErrDuplicateAttendance
		case pgForeignKeyViolation:
			return apperrors.ErrSessionNotFound
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords returns all records of a session ordered by student.
func (p *Postgres) ListRecords(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	query, args, err := p.sb.Select(recordColumns...).From("attendance_records").
		Where(squirrel.Eq{"session_id": sessionID}).
		OrderBy("student_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list records query: %w", err)
	}
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateJustification only touches the justification columns.
func (p *Postgres) UpdateJustification(ctx context.Context, r model.AttendanceRecord) error {
	query, args, err := p.sb.Update("attendance_records").
		Set("justified", r.Justified).
		Set("justification_text", r.JustificationText).
		Set("document_ref", r.DocumentRef).
		Where(squirrel.Eq{"session_id": r.SessionID, "student_id": r.StudentID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build justification query: %w", err)
	}
	res, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update justification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrRecordNotFound
	}
	return nil
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (model.Room, error) {
	var r model.Room
	err := p.q.QueryRowContext(ctx, `SELECT id, name, capacity, active FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Capacity, &r.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Room{}, apperrors.ErrRoomNotFound
		}
		return model.Room{}, fmt.Errorf("get room %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) ListRooms(ctx context.Context, activeOnly bool) ([]model.Room, error) {
	q := p.sb.Select("id", "name", "capacity", "active").From("rooms").OrderBy("id")
	if activeOnly {
		q = q.Where(squirrel.Eq{"active": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list rooms query: %w", err)
	}
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []model.Room
	for rows.Next() {
		var r model.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Capacity, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertRoom(ctx context.Context, r model.Room) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO rooms (id, name, capacity, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, capacity = EXCLUDED.capacity, active = EXCLUDED.active
	`, r.ID, r.Name, r.Capacity, r.Active)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", r.ID, err)
	}
	return nil
}

// FindBookings returns the busy intervals derived from sessions overlapping [start, end).
func (p *Postgres) FindBookings(ctx context.Context, roomIDs []string, start, end time.Time) ([]model.Booking, error) {
	q := p.sb.Select("room_id", "id", "starts_at", "ends_at").From("sessions").
		Where(squirrel.NotEq{"room_id": nil}).
		Where(squirrel.Lt{"starts_at": end}).
		Where(squirrel.Gt{"ends_at": start}).
		OrderBy("starts_at")
	if roomIDs != nil {
		q = q.Where(squirrel.Eq{"room_id": roomIDs})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build bookings query: %w", err)
	}
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find bookings: %w", err)
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(&b.RoomID, &b.SessionID, &b.Start, &b.End); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResolveRoster joins the session's groups with current group membership.
func (p *Postgres) ResolveRoster(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT DISTINCT gm.student_id
		FROM session_groups sg
		JOIN group_members gm ON gm.group_id = sg.group_id
		WHERE sg.session_id = $1
		ORDER BY gm.student_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve roster for %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) SetGroupMembers(ctx context.Context, groupID string, studentIDs []string) error {
	return p.atomic(ctx, func(tx *Postgres) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
			return fmt.Errorf("clear group %s: %w", groupID, err)
		}
		if len(studentIDs) == 0 {
			return nil
		}
		ins := tx.sb.Insert("group_members").Columns("group_id", "student_id").Suffix("ON CONFLICT DO NOTHING")
		for _, st := range studentIDs {
			ins = ins.Values(groupID, st)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build group members query: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert group members: %w", err)
		}
		return nil
	})
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func translateBookingError(err error, s model.Session) error {
	if pgCode(err) == pgExclusionViolation {
		room := ""
		if s.RoomID != nil {
			room = *s.RoomID
		}
		return &apperrors.RoomConflictError{RoomID: room}
	}
	return fmt.Errorf("save session %s: %w", s.ID, err)
}

func nullableRoom(id *string) any {
	if id == nil || *id == "" {
		return nil
	}
	return *id
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func qrStatus(q model.QRState) string {
	if q.Status == "" {
		return string(model.QRNone)
	}
	return string(q.Status)
}

func qrMode(q model.QRState) string {
	if q.Mode == "" {
		return string(model.ModeManual)
	}
	return string(q.Mode)
}
