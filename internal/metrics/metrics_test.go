package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordVerify(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordVerify(true)
	m.RecordVerify(false)
	m.RecordVerify(true)

	if v := counterValue(t, m.VerifyTotal.WithLabelValues("allow")); v != 2 {
		t.Errorf("expected 2 allows, got %v", v)
	}
	if v := counterValue(t, m.VerifyTotal.WithLabelValues("deny")); v != 1 {
		t.Errorf("expected 1 deny, got %v", v)
	}
}

func TestRecordScratchToken(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordScratchToken(true)
	m.RecordScratchToken(false)
	m.RecordScratchToken(false)

	if v := counterValue(t, m.ScratchTokensUsed.WithLabelValues("used")); v != 1 {
		t.Errorf("expected 1 used, got %v", v)
	}
	if v := counterValue(t, m.ScratchTokensUsed.WithLabelValues("rejected")); v != 2 {
		t.Errorf("expected 2 rejected, got %v", v)
	}
}

func TestRecordRateLimitTrip(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRateLimitTrip("alice")
	m.RecordRateLimitTrip("alice")
	m.RecordRateLimitTrip("bob")

	if v := counterValue(t, m.RateLimitTrips.WithLabelValues("alice")); v != 2 {
		t.Errorf("expected 2 trips for alice, got %v", v)
	}
	if v := counterValue(t, m.RateLimitTrips.WithLabelValues("bob")); v != 1 {
		t.Errorf("expected 1 trip for bob, got %v", v)
	}
}

func TestRecordHashVerifyAndStateBackendLatency(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHashVerify(80 * time.Millisecond)
	m.RecordStateBackendLatency("sql", 5*time.Millisecond)

	var hv dto.Metric
	if err := m.HashVerifySeconds.Write(&hv); err != nil {
		t.Fatal(err)
	}
	if hv.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("expected 1 hash-verify observation, got %d", hv.GetHistogram().GetSampleCount())
	}

	var sb dto.Metric
	if err := m.StateBackendLatency.WithLabelValues("sql").Write(&sb); err != nil {
		t.Fatal(err)
	}
	if sb.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("expected 1 state-backend observation, got %d", sb.GetHistogram().GetSampleCount())
	}
}

func TestRecordPolicyDeny(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordPolicyDeny("admin_console")
	m.RecordPolicyDeny("admin_console")

	if v := counterValue(t, m.PolicyDenies.WithLabelValues("admin_console")); v != 2 {
		t.Errorf("expected 2 denies, got %v", v)
	}
}
