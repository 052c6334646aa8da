package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	// TokensIssued counts attendance tokens minted for sessions.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_tokens_issued_total",
		Help: "Attendance tokens issued.",
	})
)

// CountRejection records a rejected check-in attempt on the metrics surface.
func CountRejection(kind Kind) {
	checkinsTotal.WithLabelValues(string(kind)).Inc()
}
