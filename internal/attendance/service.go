package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/geo"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/session"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/token"
)

// Roles supplied by the identity layer.
const (
	RoleTrainee     = "trainee"
	RoleFacilitator = "facilitator"
	RoleManager     = "manager"
)

// ErrInvalidRequest flags malformed caller input; not retryable as-is.
var ErrInvalidRequest = errors.New("invalid request")

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, bool, error)
	Find(ctx context.Context, userID, sessionID string, day time.Time) (*Record, error)
	SetCheckOut(ctx context.Context, id string, t time.Time) error
	MarkAttended(ctx context.Context, id, status, method string, checkIn time.Time, distance *float64) error
	Excuse(ctx context.Context, rec Record) (Record, error)
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error)
	ListByProgram(ctx context.Context, programID string, from, to time.Time) ([]Record, error)
}

// TokenVerifier validates attendance tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString, expectedSessionID, userID string) (token.Decoded, error)
}

// Geolocation is a client-reported position.
type Geolocation struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
}

// MarkRequest is one check-in attempt.
type MarkRequest struct {
	UserID    string
	Role      string
	SessionID string
	Method    string
	Token     string
	Location  *Geolocation
}

// Outcome tags a successful mark so callers can tell a fresh record from a
// benign repeat without inspecting errors.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeAlreadyPresent Outcome = "already_present"
)

// MarkResult is a successful check-in.
type MarkResult struct {
	Outcome Outcome `json:"outcome"`
	Record  Record  `json:"record"`
}

// ExcuseRequest excuses a trainee for a session day.
type ExcuseRequest struct {
	UserID    string
	SessionID string
	Day       time.Time
	MarkedBy  string
	Role      string
}

// HistoryQuery selects records by user or program, optionally date-bounded.
type HistoryQuery struct {
	UserID    string
	ProgramID string
	From      time.Time
	To        time.Time
}

// Service orchestrates check-in attempts, excuses, and history queries.
type Service struct {
	store         Store
	sessions      session.Provider
	tokens        TokenVerifier
	grace         time.Duration
	defaultRadius float64
	now           func() time.Time
}

// NewService creates a service. grace is the lateness cutoff past a
// session's scheduled start; defaultRadius applies to sessions registered
// without an explicit geofence radius.
func NewService(store Store, sessions session.Provider, tokens TokenVerifier, grace time.Duration, defaultRadius float64) *Service {
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	if defaultRadius <= 0 {
		defaultRadius = 100
	}
	return &Service{
		store:         store,
		sessions:      sessions,
		tokens:        tokens,
		grace:         grace,
		defaultRadius: defaultRadius,
		now:           time.Now,
	}
}

// Mark runs one check-in attempt: token verification, geofence evaluation,
// idempotent record creation. Rejections are returned as *Failure; repeated
// valid check-ins for the same day return the existing record with its
// checkout time refreshed.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	if req.UserID == "" || req.SessionID == "" {
		return MarkResult{}, fmt.Errorf("%w: user and session required", ErrInvalidRequest)
	}

	sess, err := s.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return MarkResult{}, fail(KindSessionNotFound, "session %s not found", req.SessionID)
		}
		return MarkResult{}, err
	}

	switch req.Method {
	case MethodQRCode:
		if req.Token == "" {
			return MarkResult{}, fmt.Errorf("%w: token required for qr_code method", ErrInvalidRequest)
		}
		if _, err := s.tokens.Verify(ctx, req.Token, req.SessionID, req.UserID); err != nil {
			return MarkResult{}, mapTokenErr(err)
		}
	case MethodGeolocation:
		if req.Location == nil {
			return MarkResult{}, fmt.Errorf("%w: geolocation required for geolocation method", ErrInvalidRequest)
		}
	case MethodManual:
		if req.Role != RoleFacilitator && req.Role != RoleManager {
			return MarkResult{}, fail(KindUnauthorized, "manual marking requires a facilitator or manager")
		}
	default:
		return MarkResult{}, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}

	// Geofence applies to geolocation check-ins and to QR check-ins that
	// also report a position. Manual marking skips it.
	var distance *float64
	if req.Method != MethodManual && req.Location != nil {
		if sess.SessionType != session.TypeInPerson || sess.Location == nil {
			return MarkResult{}, fail(KindGeofenceNotApplicable, "session %s has no physical location", req.SessionID)
		}
		radius := sess.Location.RadiusMeters
		if radius <= 0 {
			radius = s.defaultRadius
		}
		point := geo.Point{Lat: req.Location.Lat, Lng: req.Location.Lng}
		ok, d, err := geo.WithinRadius(point, sess.Location.Point(), radius)
		if err != nil {
			return MarkResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !ok {
			return MarkResult{}, failOutOfRange(d, radius)
		}
		distance = &d
	}

	now := s.now().UTC()
	day := dateOf(now)

	if existing, err := s.store.Find(ctx, req.UserID, req.SessionID, day); err != nil {
		return MarkResult{}, err
	} else if existing != nil {
		return s.repeatCheckIn(ctx, *existing, req, now, distance)
	}

	rec := Record{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ProgramID:      sess.ProgramID,
		AttendedOn:     day,
		Status:         s.statusFor(sess, now),
		Method:         req.Method,
		CheckInTime:    &now,
		DistanceMeters: distance,
	}
	if req.Method == MethodManual {
		markedBy := req.Role
		rec.MarkedBy = &markedBy
	}

	created, wasCreated, err := s.store.Insert(ctx, rec)
	if err != nil {
		return MarkResult{}, err
	}
	if !wasCreated {
		// Lost the insert race; the winner's record is authoritative.
		existing, err := s.store.Find(ctx, req.UserID, req.SessionID, day)
		if err != nil {
			return MarkResult{}, err
		}
		if existing == nil {
			return MarkResult{}, fmt.Errorf("attendance record vanished after conflict for user %s session %s", req.UserID, req.SessionID)
		}
		return s.repeatCheckIn(ctx, *existing, req, now, distance)
	}

	checkinsTotal.WithLabelValues(string(OutcomeCreated)).Inc()
	return MarkResult{Outcome: OutcomeCreated, Record: created}, nil
}

// repeatCheckIn resolves an attempt that found an existing record for the day.
func (s *Service) repeatCheckIn(ctx context.Context, existing Record, req MarkRequest, now time.Time, distance *float64) (MarkResult, error) {
	switch {
	case existing.Status == StatusExcused:
		return MarkResult{}, fail(KindAlreadyExcused, "attendance for this day is excused and cannot be self-overridden")
	case existing.Attended():
		// Second valid check-in of the day acts as checkout.
		if err := s.store.SetCheckOut(ctx, existing.ID, now); err != nil {
			return MarkResult{}, err
		}
		existing.CheckOutTime = &now
		checkinsTotal.WithLabelValues(string(OutcomeAlreadyPresent)).Inc()
		return MarkResult{Outcome: OutcomeAlreadyPresent, Record: existing}, nil
	default:
		// An absent placeholder exists (e.g. pre-seeded by a roster import);
		// the trainee did show up, so upgrade it.
		status := s.statusForID(ctx, existing, now)
		if err := s.store.MarkAttended(ctx, existing.ID, status, req.Method, now, distance); err != nil {
			return MarkResult{}, err
		}
		existing.Status = status
		existing.Method = req.Method
		existing.CheckInTime = &now
		if distance != nil {
			existing.DistanceMeters = distance
		}
		checkinsTotal.WithLabelValues(string(OutcomeCreated)).Inc()
		return MarkResult{Outcome: OutcomeCreated, Record: existing}, nil
	}
}

func (s *Service) statusForID(ctx context.Context, rec Record, now time.Time) string {
	sess, err := s.sessions.Lookup(ctx, rec.SessionID)
	if err != nil {
		return StatusPresent
	}
	return s.statusFor(sess, now)
}

// statusFor decides Present vs Late against the grace-period cutoff.
func (s *Service) statusFor(sess session.Session, now time.Time) string {
	if sess.ScheduledAt.IsZero() || !now.After(sess.ScheduledAt.Add(s.grace)) {
		return StatusPresent
	}
	return StatusLate
}

// Excuse marks a trainee excused for a session day. Only facilitators and
// managers may excuse.
func (s *Service) Excuse(ctx context.Context, req ExcuseRequest) (Record, error) {
	if req.Role != RoleFacilitator && req.Role != RoleManager {
		return Record{}, fail(KindUnauthorized, "excusing requires a facilitator or manager")
	}
	if req.UserID == "" || req.SessionID == "" {
		return Record{}, fmt.Errorf("%w: user and session required", ErrInvalidRequest)
	}

	sess, err := s.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Record{}, fail(KindSessionNotFound, "session %s not found", req.SessionID)
		}
		return Record{}, err
	}

	day := req.Day
	if day.IsZero() {
		day = dateOf(s.now().UTC())
	} else {
		day = dateOf(day)
	}

	markedBy := req.MarkedBy
	return s.store.Excuse(ctx, Record{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		ProgramID:  sess.ProgramID,
		AttendedOn: day,
		Method:     MethodManual,
		MarkedBy:   &markedBy,
	})
}

// History returns records in chronological order plus their aggregate.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]Record, Aggregate, error) {
	var (
		records []Record
		err     error
	)
	switch {
	case q.UserID != "":
		records, err = s.store.ListByUser(ctx, q.UserID, q.From, q.To)
	case q.ProgramID != "":
		records, err = s.store.ListByProgram(ctx, q.ProgramID, q.From, q.To)
	default:
		return nil, Aggregate{}, fmt.Errorf("%w: user_id or program_id required", ErrInvalidRequest)
	}
	if err != nil {
		return nil, Aggregate{}, err
	}
	return records, Summarize(records), nil
}

// Summarize computes the aggregate for a set of records.
func Summarize(records []Record) Aggregate {
	agg := Aggregate{Total: len(records)}
	for _, rec := range records {
		switch rec.Status {
		case StatusPresent:
			agg.Present++
		case StatusLate:
			agg.Late++
		case StatusAbsent:
			agg.Absent++
		case StatusExcused:
			agg.Excused++
		}
	}
	eligible := agg.Total - agg.Excused
	if eligible <= 0 {
		agg.Rate = 100
		return agg
	}
	agg.Rate = int(math.Round(100 * float64(agg.Present+agg.Late) / float64(eligible)))
	return agg
}

// mapTokenErr translates verifier errors into the failure taxonomy.
func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return fail(KindTokenExpired, "attendance token has expired")
	case errors.Is(err, token.ErrAlreadyUsed):
		return fail(KindTokenAlreadyUsed, "attendance token was already used")
	case errors.Is(err, token.ErrSessionMismatch):
		return fail(KindSessionMismatch, "attendance token belongs to a different session")
	case errors.Is(err, token.ErrTampered):
		return fail(KindTokenTampered, "attendance token failed integrity checks")
	default:
		return err
	}
}

// dateOf truncates a time to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
