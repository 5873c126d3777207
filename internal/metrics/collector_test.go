package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MessagesSent)
	MessagesSent.Inc()
	if got := testutil.ToFloat64(MessagesSent); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}

	SendFailures.WithLabelValues("network").Inc()
	if got := testutil.ToFloat64(SendFailures.WithLabelValues("network")); got < 1 {
		t.Errorf("expected labelled counter >= 1, got %v", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	WSConnections.Set(3)
	defer WSConnections.Set(0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"litchat_uptime_seconds",
		"litchat_ws_connections 3",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
