package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PollResult("model", nil)
	m.WriteResult("desired_position", errors.New("x"))
	m.IdentifyResult(nil)
	m.ObserveTransport("query", time.Millisecond)
	m.FieldUpdated("model", time.Now())
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestPollCounters(t *testing.T) {
	m := New()
	m.PollResult("readback_position", nil)
	m.PollResult("readback_position", nil)
	m.PollResult("readback_position", errors.New("timeout"))

	body := scrape(t, m)
	for _, line := range []string{
		`mff_poll_total{field="readback_position",result="ok"} 2`,
		`mff_poll_total{field="readback_position",result="error"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("missing %q", line)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	return w.Body.String()
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.WriteResult("desired_position", nil)

	if !strings.Contains(scrape(t, m), `mff_write_total{field="desired_position",result="ok"} 1`) {
		t.Errorf("write counter missing from output")
	}
}
