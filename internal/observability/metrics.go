package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "sessions",
		Name:      "live",
		Help:      "Number of class sessions resident in the registry.",
	})
	presentAttendeesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "sessions",
		Name:      "present_attendees",
		Help:      "Number of attendees present across all live sessions.",
	})
	sessionStartedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "sessions",
		Name:      "last_session_started_timestamp_seconds",
		Help:      "Unix timestamp of the most recent trainer start.",
	})
	workoutTimestampGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveclass",
		Subsystem: "sessions",
		Name:      "last_workout_timestamp_recorded_seconds",
		Help:      "Unix timestamp of the most recent workout progress record.",
	})
)

func init() {
	prometheus.MustRegister(liveSessionsGauge, presentAttendeesGauge, sessionStartedGauge, workoutTimestampGauge)
}

// SetLiveSessions records how many sessions the registry holds.
func SetLiveSessions(n int) {
	liveSessionsGauge.Set(float64(n))
}

// AttendeeJoined increments the present attendee gauge.
func AttendeeJoined() {
	presentAttendeesGauge.Inc()
}

// AttendeeLeft decrements the present attendee gauge.
func AttendeeLeft() {
	presentAttendeesGauge.Dec()
}

// RecordSessionStarted updates the start watermark gauge.
func RecordSessionStarted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionStartedGauge.Set(float64(ts.Unix()))
}

// RecordWorkoutTimestamp updates the progress watermark gauge.
func RecordWorkoutTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	workoutTimestampGauge.Set(float64(ts.Unix()))
}
