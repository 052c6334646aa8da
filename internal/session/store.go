package session

import (
	"context"
	"database/sql"
	"errors"
)

// Store reads sessions from the scheduling subsystem's Postgres tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a read-only session store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup returns the session with the given id.
func (s *Store) Lookup(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, program_id, facilitator_id, session_type, lat, lng, radius_meters, scheduled_at
		FROM sessions WHERE id = $1
	`, id)

	var sess Session
	var lat, lng, radius sql.NullFloat64
	if err := row.Scan(&sess.ID, &sess.ProgramID, &sess.FacilitatorID, &sess.SessionType, &lat, &lng, &radius, &sess.ScheduledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if lat.Valid && lng.Valid {
		sess.Location = &Location{Lat: lat.Float64, Lng: lng.Float64, RadiusMeters: radius.Float64}
	}
	return sess, nil
}
