package attendance

import "time"

// Attendance statuses. Present and Late both count as attended.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusExcused = "excused"
)

// Check-in methods.
const (
	MethodQRCode      = "qr_code"
	MethodGeolocation = "geolocation"
	MethodManual      = "manual"
)

// Record is one person's attendance for one session on one calendar day.
// The (UserID, SessionID, AttendedOn) tuple is unique.
type Record struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	ProgramID      string     `json:"program_id"`
	AttendedOn     time.Time  `json:"attended_on"`
	Status         string     `json:"status"`
	Method         string     `json:"method"`
	CheckInTime    *time.Time `json:"check_in_time,omitempty"`
	CheckOutTime   *time.Time `json:"check_out_time,omitempty"`
	DistanceMeters *float64   `json:"distance_meters,omitempty"`
	MarkedBy       *string    `json:"marked_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Attended reports whether the record counts toward the attendance rate.
func (r Record) Attended() bool {
	return r.Status == StatusPresent || r.Status == StatusLate
}

// Aggregate summarizes a set of records.
type Aggregate struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Excused int `json:"excused"`
	// Rate is round(100 * attended / (total - excused)); 100 when no
	// eligible days exist yet.
	Rate int `json:"rate"`
}
