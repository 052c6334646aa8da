package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/session"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/token"
)

// memStore is an in-memory Store with the same atomicity contract as the
// Postgres unique index.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record // keyed by user|session|day
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func key(userID, sessionID string, day time.Time) string {
	return userID + "|" + sessionID + "|" + day.Format("2006-01-02")
}

func (m *memStore) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.UserID, rec.SessionID, rec.AttendedOn)
	if _, ok := m.records[k]; ok {
		return Record{}, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	m.records[k] = rec
	return rec, true, nil
}

func (m *memStore) Find(ctx context.Context, userID, sessionID string, day time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key(userID, sessionID, day)]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (m *memStore) SetCheckOut(ctx context.Context, id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(id, func(rec *Record) { rec.CheckOutTime = &t })
}

func (m *memStore) MarkAttended(ctx context.Context, id, status, method string, checkIn time.Time, distance *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(id, func(rec *Record) {
		rec.Status = status
		rec.Method = method
		rec.CheckInTime = &checkIn
		if distance != nil {
			rec.DistanceMeters = distance
		}
	})
}

func (m *memStore) update(id string, fn func(*Record)) error {
	for k, rec := range m.records {
		if rec.ID == id {
			fn(&rec)
			m.records[k] = rec
			return nil
		}
	}
	return errors.New("record not found")
}

func (m *memStore) Excuse(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.UserID, rec.SessionID, rec.AttendedOn)
	if existing, ok := m.records[k]; ok {
		existing.Status = StatusExcused
		existing.MarkedBy = rec.MarkedBy
		m.records[k] = existing
		return existing, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = StatusExcused
	rec.CreatedAt = time.Now().UTC()
	m.records[k] = rec
	return rec, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.UserID == userID }), nil
}

func (m *memStore) ListByProgram(ctx context.Context, programID string, from, to time.Time) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.ProgramID == programID }), nil
}

func (m *memStore) filter(keep func(Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// mapSessions is a fixed session.Provider.
type mapSessions map[string]session.Session

func (m mapSessions) Lookup(ctx context.Context, id string) (session.Session, error) {
	if sess, ok := m[id]; ok {
		return sess, nil
	}
	return session.Session{}, session.ErrNotFound
}

// metersLng converts a distance on the equator into degrees of longitude.
func metersLng(m float64) float64 {
	return m / 111194.9266
}

var testSessions = mapSessions{
	"sess-inperson": {
		ID:            "sess-inperson",
		ProgramID:     "prog-1",
		FacilitatorID: "fac-1",
		SessionType:   session.TypeInPerson,
		Location:      &session.Location{Lat: 0, Lng: 0, RadiusMeters: 50},
		ScheduledAt:   time.Now().UTC().Add(-5 * time.Minute),
	},
	"sess-online": {
		ID:            "sess-online",
		ProgramID:     "prog-1",
		FacilitatorID: "fac-1",
		SessionType:   session.TypeOnline,
		ScheduledAt:   time.Now().UTC().Add(-5 * time.Minute),
	},
	"sess-started-long-ago": {
		ID:            "sess-started-long-ago",
		ProgramID:     "prog-1",
		FacilitatorID: "fac-1",
		SessionType:   session.TypeInPerson,
		Location:      &session.Location{Lat: 0, Lng: 0, RadiusMeters: 50},
		ScheduledAt:   time.Now().UTC().Add(-1 * time.Hour),
	},
}

func newTestService(store Store) *Service {
	verifier := token.NewVerifier(token.VerifierConfig{
		Secret: []byte("test-secret"),
		Issuer: "attendance-core",
	}, nil, nil)
	return NewService(store, testSessions, verifier, 15*time.Minute, 100)
}

func issueTestToken(t *testing.T, sessionID string) string {
	t.Helper()
	iss := token.NewIssuer(token.IssuerConfig{
		Secret:  []byte("test-secret"),
		Issuer:  "attendance-core",
		BaseURL: "http://localhost/checkin",
	}, testSessions, nil)
	bundle, err := iss.Issue(context.Background(), sessionID, "fac-1", 0)
	require.NoError(t, err)
	return bundle.Token
}

func requireKind(t *testing.T, err error, kind Kind) *Failure {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, kind, f.Kind)
	return f
}

func TestMarkGeolocationWithinRadius(t *testing.T) {
	svc := newTestService(newMemStore())

	res, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		Role:      RoleTrainee,
		SessionID: "sess-inperson",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: metersLng(49)},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, StatusPresent, res.Record.Status)
	require.NotNil(t, res.Record.DistanceMeters)
	assert.InDelta(t, 49, *res.Record.DistanceMeters, 0.5)
	assert.NotNil(t, res.Record.CheckInTime)
	assert.Equal(t, "prog-1", res.Record.ProgramID)
}

func TestMarkGeolocationOutOfRange(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: metersLng(51)},
	})
	f := requireKind(t, err, KindOutOfRange)
	assert.InDelta(t, 51, f.DistanceMeters, 0.5)
}

func TestMarkGeolocationOnlineSession(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-online",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: 0},
	})
	requireKind(t, err, KindGeofenceNotApplicable)
}

func TestMarkUnknownSession(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-nope",
		Method:    MethodManual,
		Role:      RoleManager,
	})
	requireKind(t, err, KindSessionNotFound)
}

func TestMarkQRCode(t *testing.T) {
	svc := newTestService(newMemStore())
	tok := issueTestToken(t, "sess-inperson")

	res, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodQRCode,
		Token:     tok,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, MethodQRCode, res.Record.Method)
}

func TestMarkQRCodeWithGeolocation(t *testing.T) {
	svc := newTestService(newMemStore())
	tok := issueTestToken(t, "sess-inperson")

	// Token is valid but the trainee is too far away.
	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodQRCode,
		Token:     tok,
		Location:  &Geolocation{Lat: 0, Lng: metersLng(80)},
	})
	requireKind(t, err, KindOutOfRange)
}

func TestMarkQRCodeSessionMismatch(t *testing.T) {
	svc := newTestService(newMemStore())
	tok := issueTestToken(t, "sess-online")

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodQRCode,
		Token:     tok,
	})
	requireKind(t, err, KindSessionMismatch)
}

func TestMarkQRCodeTampered(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodQRCode,
		Token:     "bogus.token.value",
	})
	requireKind(t, err, KindTokenTampered)
}

func TestMarkManualRoles(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		Role:      RoleTrainee,
		SessionID: "sess-inperson",
		Method:    MethodManual,
	})
	requireKind(t, err, KindUnauthorized)

	res, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		Role:      RoleFacilitator,
		SessionID: "sess-inperson",
		Method:    MethodManual,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Nil(t, res.Record.DistanceMeters)
}

func TestMarkLateAfterGracePeriod(t *testing.T) {
	svc := newTestService(newMemStore())

	res, err := svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		Role:      RoleManager,
		SessionID: "sess-started-long-ago",
		Method:    MethodManual,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusLate, res.Record.Status)
	assert.True(t, res.Record.Attended())
}

func TestMarkIdempotentRepeatActsAsCheckout(t *testing.T) {
	svc := newTestService(newMemStore())
	req := MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: 0},
	}

	first, err := svc.Mark(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.Nil(t, first.Record.CheckOutTime)

	second, err := svc.Mark(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPresent, second.Outcome)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.NotNil(t, second.Record.CheckOutTime)
}

func TestMarkRejectedWhenExcused(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.Excuse(context.Background(), ExcuseRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		MarkedBy:  "fac-1",
		Role:      RoleFacilitator,
	})
	require.NoError(t, err)

	_, err = svc.Mark(context.Background(), MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: 0},
	})
	requireKind(t, err, KindAlreadyExcused)
}

func TestExcuseRequiresElevatedRole(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Excuse(context.Background(), ExcuseRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Role:      RoleTrainee,
	})
	requireKind(t, err, KindUnauthorized)
}

func TestMarkConcurrentSingleRecord(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	req := MarkRequest{
		UserID:    "user-1",
		SessionID: "sess-inperson",
		Method:    MethodGeolocation,
		Location:  &Geolocation{Lat: 0, Lng: 0},
	}

	const attempts = 20
	results := make(chan MarkResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Mark(context.Background(), req)
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	ids := make(map[string]bool)
	for res := range results {
		if res.Outcome == OutcomeCreated {
			created++
		}
		ids[res.Record.ID] = true
	}
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	records, err := store.ListByUser(context.Background(), "user-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMarkInvalidInput(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Mark(context.Background(), MarkRequest{SessionID: "sess-inperson", Method: MethodManual})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Mark(context.Background(), MarkRequest{
		UserID: "user-1", SessionID: "sess-inperson", Method: "carrier-pigeon",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Mark(context.Background(), MarkRequest{
		UserID: "user-1", SessionID: "sess-inperson", Method: MethodQRCode,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Mark(context.Background(), MarkRequest{
		UserID: "user-1", SessionID: "sess-inperson", Method: MethodGeolocation,
		Location: &Geolocation{Lat: 95, Lng: 0},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSummarize(t *testing.T) {
	var records []Record
	add := func(status string, n int) {
		for i := 0; i < n; i++ {
			records = append(records, Record{Status: status})
		}
	}
	add(StatusPresent, 7)
	add(StatusAbsent, 1)
	add(StatusExcused, 2)

	agg := Summarize(records)
	assert.Equal(t, 10, agg.Total)
	assert.Equal(t, 7, agg.Present)
	assert.Equal(t, 1, agg.Absent)
	assert.Equal(t, 2, agg.Excused)
	assert.Equal(t, 88, agg.Rate)
}

func TestSummarizeEmptyDenominator(t *testing.T) {
	assert.Equal(t, 100, Summarize(nil).Rate)
	assert.Equal(t, 100, Summarize([]Record{{Status: StatusExcused}, {Status: StatusExcused}}).Rate)
}

func TestSummarizeLateCountsAsAttended(t *testing.T) {
	agg := Summarize([]Record{
		{Status: StatusPresent},
		{Status: StatusLate},
		{Status: StatusAbsent},
		{Status: StatusAbsent},
	})
	assert.Equal(t, 50, agg.Rate)
}

func TestHistoryByProgram(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	for _, user := range []string{"user-1", "user-2", "user-3"} {
		_, err := svc.Mark(context.Background(), MarkRequest{
			UserID:    user,
			SessionID: "sess-inperson",
			Method:    MethodGeolocation,
			Location:  &Geolocation{Lat: 0, Lng: 0},
		})
		require.NoError(t, err)
	}

	records, agg, err := svc.History(context.Background(), HistoryQuery{ProgramID: "prog-1"})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 100, agg.Rate)

	_, _, err = svc.History(context.Background(), HistoryQuery{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
