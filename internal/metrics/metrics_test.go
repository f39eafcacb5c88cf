package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEventNormalizesLabels(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("local_monitor", "active", OutcomeAccepted))
	RecordEvent("LOCAL_MONITOR", "ACTIVE", OutcomeAccepted)
	after := testutil.ToFloat64(eventsTotal.WithLabelValues("local_monitor", "active", OutcomeAccepted))
	assert.Equal(t, before+1, after)

	unknownBefore := testutil.ToFloat64(eventsTotal.WithLabelValues("unknown", "unknown", OutcomeMalformed))
	RecordEvent("webhook", "WAVE", OutcomeMalformed)
	assert.Equal(t, unknownBefore+1, testutil.ToFloat64(eventsTotal.WithLabelValues("unknown", "unknown", OutcomeMalformed)))
}

func TestRecordCertifiedAndVerification(t *testing.T) {
	before := testutil.ToFloat64(certifiedTotal.WithLabelValues("hmac-sha256"))
	RecordCertified("HMAC-SHA256", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(certifiedTotal.WithLabelValues("hmac-sha256")))

	invalidBefore := testutil.ToFloat64(verificationsTotal.WithLabelValues(KindChain, "invalid"))
	RecordVerification(KindChain, false)
	assert.Equal(t, invalidBefore+1, testutil.ToFloat64(verificationsTotal.WithLabelValues(KindChain, "invalid")))
}

func TestRecordHTTPRequestUsesStatusClass(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/v1/records/{blockID}", "GET", "4xx"))
	RecordHTTPRequest("/v1/records/{blockID}", "GET", 404)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/v1/records/{blockID}", "GET", "4xx")))

	unmatchedBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("unmatched", "GET", "2xx"))
	RecordHTTPRequest("", "GET", 200)
	assert.Equal(t, unmatchedBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("unmatched", "GET", "2xx")))
}
