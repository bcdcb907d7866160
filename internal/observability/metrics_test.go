package observability

import (
	"testing"
	"time"

	"github.com/danmuck/showlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("show-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordReconnect("show-a", "transport")
	RecordCommand("show-a", "alpha", "ok", 24*time.Millisecond)
	RecordReplicantUpdate("show-a", "alpha")
}

func TestSetConnectionStateIsExclusive(t *testing.T) {
	testlog.Start(t)
	states := []string{"idle", "connecting", "live"}
	SetConnectionState("show-b", "connecting", states)
	SetConnectionState("show-b", "live", states)

	if got := testutil.ToFloat64(connectionState.WithLabelValues("show-b", "live")); got != 1 {
		t.Fatalf("live gauge=%v", got)
	}
	if got := testutil.ToFloat64(connectionState.WithLabelValues("show-b", "connecting")); got != 0 {
		t.Fatalf("connecting gauge=%v", got)
	}
}

func TestSetBundleVerdictIsExclusive(t *testing.T) {
	testlog.Start(t)
	verdicts := []string{"unknown", "compatible", "incompatible", "missing"}
	SetBundleVerdict("show-c", "alpha", "missing", verdicts)
	SetBundleVerdict("show-c", "alpha", "compatible", verdicts)
	if got := testutil.ToFloat64(bundleVerdict.WithLabelValues("show-c", "alpha", "compatible")); got != 1 {
		t.Fatalf("compatible gauge=%v", got)
	}
	if got := testutil.ToFloat64(bundleVerdict.WithLabelValues("show-c", "alpha", "missing")); got != 0 {
		t.Fatalf("missing gauge=%v", got)
	}
}
