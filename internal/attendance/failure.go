package attendance

import "fmt"

// Kind identifies why a check-in attempt was rejected. Every rejection maps
// to exactly one kind so clients never have to string-match messages.
type Kind string

const (
	KindSessionNotFound       Kind = "session_not_found"
	KindTokenTampered         Kind = "token_tampered"
	KindTokenExpired          Kind = "token_expired"
	KindTokenAlreadyUsed      Kind = "token_already_used"
	KindSessionMismatch       Kind = "session_mismatch"
	KindGeofenceNotApplicable Kind = "geofence_not_applicable"
	KindOutOfRange            Kind = "out_of_range"
	KindAlreadyExcused        Kind = "already_excused"
	KindUnauthorized          Kind = "unauthorized"
)

// Failure is a terminal rejection of a check-in attempt.
type Failure struct {
	Kind Kind
	// DistanceMeters is set for out-of-range rejections so the client can
	// tell the user how far away they are.
	DistanceMeters float64
	msg            string
}

func (f *Failure) Error() string { return f.msg }

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func failOutOfRange(distance, radius float64) *Failure {
	return &Failure{
		Kind:           KindOutOfRange,
		DistanceMeters: distance,
		msg:            fmt.Sprintf("you are %.0fm from the session location (allowed radius %.0fm)", distance, radius),
	}
}
