package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"playgrid/syncd/internal/journal"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/metrics"
)

type fakeReadiness struct {
	clients  int
	storeErr error
	uptime   time.Duration
}

func (f *fakeReadiness) ClientCount() int                        { return f.clients }
func (f *fakeReadiness) StoreHealthy(context.Context) error      { return f.storeErr }
func (f *fakeReadiness) Uptime() time.Duration                   { return f.uptime }

func newTestRouter(opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	router := mux.NewRouter()
	NewHandlerSet(opts).Register(router)
	return router
}

func TestLiveness(t *testing.T) {
	router := newTestRouter(Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != "alive" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}
}

func TestReadinessReflectsStoreHealth(t *testing.T) {
	ready := &fakeReadiness{clients: 3, uptime: time.Minute}
	router := newTestRouter(Options{Readiness: ready})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	//1.- A failing store ping turns readiness into 503.
	ready.storeErr = errors.New("store unreachable")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsOutput(t *testing.T) {
	collector := metrics.NewCollector()
	collector.Observe("apply", 10*time.Millisecond)
	collector.Add("moves_rejected", 2)

	router := newTestRouter(Options{
		Readiness: &fakeReadiness{uptime: 90 * time.Second},
		Stats:     func() (int, int) { return 4, 2 },
		Collector: collector,
		JournalStats: func() journal.StorageStats {
			return journal.StorageStats{Bundles: 1, Bytes: 512}
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"syncd_uptime_seconds 90",
		"syncd_clients 4",
		"syncd_rooms 2",
		`syncd_events_total{name="moves_rejected"} 2`,
		`syncd_latency_seconds{name="apply",stat="p95"}`,
		"syncd_journal_bundles 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q in:\n%s", want, body)
		}
	}
}

func TestJournalDumpAuthorisation(t *testing.T) {
	flushed := false
	router := newTestRouter(Options{
		AdminToken: "sekrit",
		Journal: JournalFlusherFunc(func(context.Context) (string, error) {
			flushed = true
			return "/var/journals", nil
		}),
	})

	//1.- Missing credentials are rejected before the flush runs.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/journal/dump", nil))
	if rec.Code != http.StatusUnauthorized || flushed {
		t.Fatalf("status = %d, flushed = %v; want 401 without flush", rec.Code, flushed)
	}

	req := httptest.NewRequest(http.MethodPost, "/journal/dump", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || !flushed {
		t.Fatalf("status = %d, flushed = %v; want 202 with flush", rec.Code, flushed)
	}
}

func TestJournalDumpDisabledWithoutToken(t *testing.T) {
	router := newTestRouter(Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/journal/dump", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewAdminLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("first two calls denied")
	}
	if limiter.Allow() {
		t.Fatalf("third call allowed inside the window")
	}

	//1.- The window slides: old entries age out.
	now = now.Add(2 * time.Minute)
	if !limiter.Allow() {
		t.Fatalf("call denied after window elapsed")
	}
}
