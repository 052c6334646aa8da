package session

import (
	"context"
	"errors"
	"time"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/geo"
)

// ErrNotFound indicates no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Session types as registered by the program-scheduling subsystem.
const (
	TypeInPerson = "in-person"
	TypeOnline   = "online"
)

// Location is a session's registered geofence.
type Location struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Point returns the geofence center.
func (l Location) Point() geo.Point {
	return geo.Point{Lat: l.Lat, Lng: l.Lng}
}

// Session is a scheduled training session. The scheduling subsystem owns
// these records; this service only reads them.
type Session struct {
	ID            string    `json:"id"`
	ProgramID     string    `json:"program_id"`
	FacilitatorID string    `json:"facilitator_id"`
	SessionType   string    `json:"session_type"`
	Location      *Location `json:"location,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// Provider resolves sessions by id.
type Provider interface {
	Lookup(ctx context.Context, id string) (Session, error)
}
