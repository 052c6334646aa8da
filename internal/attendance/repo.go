package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres. The unique index on
// (user_id, session_id, attended_on) is the idempotency guard; Insert leans
// on it instead of a read-then-write.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, user_id, session_id, program_id, attended_on, status, method,
	check_in_time, check_out_time, distance_meters, marked_by, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.ProgramID, &rec.AttendedOn,
		&rec.Status, &rec.Method, &rec.CheckInTime, &rec.CheckOutTime, &rec.DistanceMeters,
		&rec.MarkedBy, &rec.CreatedAt)
	return rec, err
}

// Insert writes a new record. When a record already exists for the same
// (user, session, day) it returns created=false and leaves the row untouched;
// the conflict resolution is atomic in the database.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, session_id, program_id, attended_on, status, method,
			 check_in_time, check_out_time, distance_meters, marked_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (user_id, session_id, attended_on) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.SessionID, rec.ProgramID, rec.AttendedOn, rec.Status,
		rec.Method, rec.CheckInTime, rec.CheckOutTime, rec.DistanceMeters, rec.MarkedBy)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// Find returns the record for (user, session, day), or nil when none exists.
func (r *Repository) Find(ctx context.Context, userID, sessionID string, day time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE user_id = $1 AND session_id = $2 AND attended_on = $3
	`, userID, sessionID, day)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE id = $1
	`, id)
	return scanRecord(row)
}

// SetCheckOut stamps the checkout time on an existing record.
func (r *Repository) SetCheckOut(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET check_out_time = $2 WHERE id = $1
	`, id, t)
	return err
}

// MarkAttended upgrades a pre-created record (absent placeholder) to an
// attended status with the actual check-in details.
func (r *Repository) MarkAttended(ctx context.Context, id, status, method string, checkIn time.Time, distance *float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, method = $3, check_in_time = $4,
		    distance_meters = COALESCE($5, distance_meters)
		WHERE id = $1
	`, id, status, method, checkIn, distance)
	return err
}

// Excuse creates or overwrites the day's record as excused.
func (r *Repository) Excuse(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, session_id, program_id, attended_on, status, method, marked_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, session_id, attended_on) DO UPDATE SET
			status = EXCLUDED.status,
			marked_by = EXCLUDED.marked_by
		RETURNING `+recordColumns+`
	`, rec.ID, rec.UserID, rec.SessionID, rec.ProgramID, rec.AttendedOn, StatusExcused,
		rec.Method, rec.MarkedBy)
	return scanRecord(row)
}

// ListByUser returns a user's records in chronological order.
func (r *Repository) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	return r.list(ctx, "user_id", userID, from, to)
}

// ListByProgram returns a program's records in chronological order.
func (r *Repository) ListByProgram(ctx context.Context, programID string, from, to time.Time) ([]Record, error) {
	return r.list(ctx, "program_id", programID, from, to)
}

func (r *Repository) list(ctx context.Context, column, value string, from, to time.Time) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records WHERE ` + column + ` = $1`
	args := []any{value}
	if !from.IsZero() {
		args = append(args, from)
		query += ` AND attended_on >= $2`
	}
	if !to.IsZero() {
		args = append(args, to)
		if len(args) == 3 {
			query += ` AND attended_on <= $3`
		} else {
			query += ` AND attended_on <= $2`
		}
	}
	query += ` ORDER BY attended_on, check_in_time`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
