package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"leasing-telephony/internal/scheduler"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	b, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.HangupOutcome("missed")
	m.HangupOutcome("missed")
	m.CallDetailsResult("not_found")

	body := scrape(t, m)
	for _, want := range []string{
		`telephony_hangup_outcomes_total{outcome="missed"} 2`,
		`telephony_call_details_total{result="not_found"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape:\n%s", want, body)
		}
	}
}

type fixedJobs []scheduler.Job

func (f fixedJobs) Pending() []scheduler.Job { return f }

func TestCollectorReportsSchedulerState(t *testing.T) {
	store := scheduler.NewMemoryPendingStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.Put(ctx, scheduler.RetryTask{ID: id, Kind: "hangup.after_call_retry", RunAt: time.Now().Add(time.Minute)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	jobs := fixedJobs{{ID: "1", Name: "hangup.call_details"}}

	m := New()
	if err := m.Register(NewCollector(store, jobs, time.Now())); err != nil {
		t.Fatalf("register: %v", err)
	}

	body := scrape(t, m)
	for _, want := range []string{
		`telephony_pending_retries{kind="hangup.after_call_retry"} 2`,
		`telephony_scheduled_jobs{name="hangup.call_details"} 1`,
		`telephony_oldest_retry_overdue_seconds 0`,
		`telephony_uptime_seconds`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape:\n%s", want, body)
		}
	}
}
