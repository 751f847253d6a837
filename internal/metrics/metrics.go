package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Notification intake and outcome
	NotificationsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_notifications_received_total",
			Help: "Notifications accepted for processing by recovery strategy",
		},
		[]string{"recover_by"},
	)

	RecoveriesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_completed_total",
			Help: "Finished recoveries by strategy and outcome",
		},
		[]string{"recover_by", "outcome"},
	)

	RecoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_duration_seconds",
			Help:    "Time from persisted notification to terminal progress",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"recover_by"},
	)

	RecoveriesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recovery_in_flight",
			Help: "Notifications currently being recovered",
		},
	)

	NotificationsResumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_notifications_resumed_total",
			Help: "Pending notifications picked up by the resumer by action",
		},
		[]string{"action"},
	)

	// Spare reservation
	ReserveClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_reserve_claims_total",
			Help: "Spare host claim attempts by result",
		},
		[]string{"result"},
	)

	// Control plane
	ControlPlaneRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_control_plane_requests_total",
			Help: "Control-plane operations by operation and HTTP status",
		},
		[]string{"operation", "code"},
	)

	ControlPlaneRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_control_plane_request_duration_seconds",
			Help:    "Control-plane operation latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	AuthRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_control_plane_auth_retries_total",
			Help: "Re-authentications triggered by 401 responses by stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(NotificationsReceived)
	prometheus.MustRegister(RecoveriesCompleted)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveriesInFlight)
	prometheus.MustRegister(NotificationsResumed)
	prometheus.MustRegister(ReserveClaims)
	prometheus.MustRegister(ControlPlaneRequests)
	prometheus.MustRegister(ControlPlaneRequestDuration)
	prometheus.MustRegister(AuthRetries)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
