// Package httpapi serves the operational HTTP surface: liveness, readiness,
// metrics, and the admin journal endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"playgrid/syncd/internal/journal"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/metrics"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	ClientCount() int
	StoreHealthy(ctx context.Context) error
	Uptime() time.Duration
}

// StatsFunc returns the current connection and room counts.
type StatsFunc func() (clients, rooms int)

// JournalFlusher forces open journals to disk and returns their root.
type JournalFlusher interface {
	FlushJournals(ctx context.Context) (string, error)
}

// JournalFlusherFunc adapts a function into a JournalFlusher.
type JournalFlusherFunc func(ctx context.Context) (string, error)

// FlushJournals implements JournalFlusher.
func (f JournalFlusherFunc) FlushJournals(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Stats        StatsFunc
	Collector    *metrics.Collector
	Journal      JournalFlusher
	JournalStats func() journal.StorageStats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	stats        StatsFunc
	collector    *metrics.Collector
	journal      JournalFlusher
	journalStats func() journal.StorageStats
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		stats:        opts.Stats,
		collector:    opts.Collector,
		journal:      opts.Journal,
		journalStats: opts.JournalStats,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/journal/stats", h.JournalStatsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/journal/dump", h.JournalDumpHandler()).Methods(http.MethodPost)
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including store connectivity.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.ClientCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StoreHealthy(r.Context()); err != nil {
				//1.- An unreachable store means the process cannot serve rooms.
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, rooms := 0, 0
		if h.stats != nil {
			clients, rooms = h.stats()
		}
		uptime := 0.0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP syncd_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE syncd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "syncd_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP syncd_clients Current connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE syncd_clients gauge\n")
		fmt.Fprintf(w, "syncd_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP syncd_rooms Rooms with members on this process.\n")
		fmt.Fprintf(w, "# TYPE syncd_rooms gauge\n")
		fmt.Fprintf(w, "syncd_rooms %d\n", rooms)

		if h.collector != nil {
			timers, counters := h.collector.Snapshot()
			counterNames := make([]string, 0, len(counters))
			for name := range counters {
				counterNames = append(counterNames, name)
			}
			sort.Strings(counterNames)
			fmt.Fprintf(w, "# HELP syncd_events_total Counted events by name.\n")
			fmt.Fprintf(w, "# TYPE syncd_events_total counter\n")
			for _, name := range counterNames {
				fmt.Fprintf(w, "syncd_events_total{name=%q} %d\n", name, counters[name])
			}

			timerNames := make([]string, 0, len(timers))
			for name := range timers {
				timerNames = append(timerNames, name)
			}
			sort.Strings(timerNames)
			fmt.Fprintf(w, "# HELP syncd_latency_seconds Rolling latency summary per operation.\n")
			fmt.Fprintf(w, "# TYPE syncd_latency_seconds gauge\n")
			for _, name := range timerNames {
				stats := timers[name]
				fmt.Fprintf(w, "syncd_latency_seconds{name=%q,stat=\"avg\"} %.6f\n", name, stats.Average.Seconds())
				fmt.Fprintf(w, "syncd_latency_seconds{name=%q,stat=\"p95\"} %.6f\n", name, stats.P95.Seconds())
				fmt.Fprintf(w, "syncd_latency_seconds{name=%q,stat=\"max\"} %.6f\n", name, stats.Max.Seconds())
			}
		}

		if h.journalStats != nil {
			stats := h.journalStats()
			fmt.Fprintf(w, "# HELP syncd_journal_bundles Journal bundles retained on disk.\n")
			fmt.Fprintf(w, "# TYPE syncd_journal_bundles gauge\n")
			fmt.Fprintf(w, "syncd_journal_bundles %d\n", stats.Bundles)
			fmt.Fprintf(w, "# HELP syncd_journal_bytes Journal disk footprint in bytes.\n")
			fmt.Fprintf(w, "# TYPE syncd_journal_bytes gauge\n")
			fmt.Fprintf(w, "syncd_journal_bytes %d\n", stats.Bytes)
		}
	}
}

// JournalStatsHandler reports journal storage statistics; admin only.
func (h *HandlerSet) JournalStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.adminRequest(w, r, "journal_stats") {
			return
		}
		stats := journal.StorageStats{}
		if h.journalStats != nil {
			stats = h.journalStats()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// JournalDumpHandler flushes open journals to disk; admin only.
func (h *HandlerSet) JournalDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if !h.adminRequest(w, r, "journal_dump") {
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal dump denied: no journal configured")
			http.Error(w, "journaling is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.journal.FlushJournals(r.Context())
		if err != nil {
			reqLogger.Error("journal dump failed", logging.Error(err))
			http.Error(w, "failed to flush journals", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) adminRequest(w http.ResponseWriter, r *http.Request, handler string) bool {
	if h.adminToken == "" {
		h.logger.Warn("admin endpoint denied: admin auth disabled", logging.String("handler", handler))
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		h.logger.Warn("admin endpoint denied: unauthorized request",
			logging.String("handler", handler),
			logging.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
