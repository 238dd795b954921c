package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTriggerEvaluationsCounter(t *testing.T) {
	c := TriggerEvaluations.WithLabelValues("berry", "hourly", "fired")
	before := testutil.ToFloat64(c)
	c.Inc()
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestPushNoGatewayIsNoop(t *testing.T) {
	if err := Push(context.Background(), "", "trialwatch"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPushSendsToGateway(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	Notifications.WithLabelValues("sent").Inc()
	if err := Push(context.Background(), srv.URL, "trialwatch"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(path, "/metrics/job/trialwatch") {
		t.Errorf("unexpected push path %q", path)
	}
}
