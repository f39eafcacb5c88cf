// Package metrics exposes Prometheus instruments for the attendance engine.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_events_total",
		Help: "Activity events seen by the reconciler by source, type and outcome",
	}, []string{"source", "type", "outcome"})

	finalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_sessions_finalized_total",
		Help: "Sessions finalized by validation status",
	}, []string{"status"})

	certifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_certifications_total",
		Help: "Certification records appended by signature method",
	}, []string{"method"})

	signingFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attend_signing_fallback_total",
		Help: "Certifications signed with the symmetric fallback because the asymmetric key was unavailable",
	})

	chainConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attend_chain_conflicts_total",
		Help: "Append attempts rejected because the chain head moved",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_verifications_total",
		Help: "Verification requests by kind and result",
	}, []string{"kind", "result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_http_requests_total",
		Help: "HTTP requests by route pattern, method and status class",
	}, []string{"route", "method", "code"})

	certifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attend_certify_duration_seconds",
		Help:    "Time spent building, signing and appending one certification record",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// Event outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeOrphan    = "orphan"
	OutcomeMalformed = "malformed"
)

// Verification kinds.
const (
	KindRecord = "record"
	KindChain  = "chain"
	KindTamper = "tamper"
)

func RecordEvent(source, eventType, outcome string) {
	eventsTotal.WithLabelValues(normalizeSource(source), normalizeType(eventType), outcome).Inc()
}

func RecordFinalized(status string) {
	finalizedTotal.WithLabelValues(normalizeStatus(status)).Inc()
}

func RecordCertified(method string, elapsed time.Duration) {
	certifiedTotal.WithLabelValues(normalizeMethod(method)).Inc()
	certifyDuration.Observe(elapsed.Seconds())
}

func RecordSigningFallback() {
	signingFallbackTotal.Inc()
}

func RecordChainConflict() {
	chainConflictsTotal.Inc()
}

func RecordVerification(kind string, ok bool) {
	result := "valid"
	if !ok {
		result = "invalid"
	}
	verificationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordHTTPRequest counts a served request. route is the router pattern, not
// the raw path, so session and block ids never become label values.
func RecordHTTPRequest(route, method string, status int) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func normalizeSource(source string) string {
	switch strings.ToUpper(strings.TrimSpace(source)) {
	case "AUTHORITATIVE_PROVIDER":
		return "authoritative_provider"
	case "LOCAL_MONITOR":
		return "local_monitor"
	default:
		return "unknown"
	}
}

func normalizeType(eventType string) string {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "JOINED", "LEFT", "ACTIVE", "IDLE", "CAMERA_ON", "CAMERA_OFF":
		return strings.ToLower(strings.TrimSpace(eventType))
	default:
		return "unknown"
	}
}

func normalizeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PASSED", "FAILED", "PENDING":
		return strings.ToLower(strings.TrimSpace(status))
	default:
		return "unknown"
	}
}

func normalizeMethod(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "ed25519", "hmac-sha256":
		return strings.ToLower(strings.TrimSpace(method))
	default:
		return "unknown"
	}
}
