// Package httpapi implements the ops HTTP surface of a running
// nimble-server-lib instance: liveness/readiness probes, Prometheus
// text metrics, and a bearer-token-gated step-journal dump trigger.
// Adapted from the teacher's internal/http/handlers.go, narrowed to
// this server's own stats and journal surfaces.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
)

// StatsProvider exposes the counters server.Server accumulates, kept
// as a narrow interface so httpapi does not import internal/server
// (which would create an import cycle once server wires httpapi in).
type StatsProvider interface {
	DatagramsProcessed() uint64
	DatagramsDropped() uint64
	JoinRequests() uint64
	GameStepRequests() uint64
	DownloadRequests() uint64
	ForcedDisconnects() uint64
	BlobChunksSent() uint64
	ConnectedCount() int
	AuthoritativeStepID() uint32
}

// ReadinessProvider exposes startup/uptime state for /readyz.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// JournalDumper triggers an out-of-band step-journal dump.
type JournalDumper interface {
	DumpJournal(ctx context.Context) (string, error)
}

// JournalDumperFunc adapts a function into a JournalDumper.
type JournalDumperFunc func(ctx context.Context) (string, error)

// DumpJournal implements JournalDumper.
func (f JournalDumperFunc) DumpJournal(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       StatsProvider
	Readiness   ReadinessProvider
	Journal     JournalDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the server's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       StatsProvider
	readiness   ReadinessProvider
	journal     JournalDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
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
		logger:      logger,
		stats:       opts.Stats,
		readiness:   opts.Readiness,
		journal:     opts.Journal,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/journal/dump", h.JournalDumpHandler())
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

// ReadinessHandler reports server readiness, including the connected
// transport connection count and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.stats != nil {
			resp.Connections = h.stats.ConnectedCount()
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus-compatible text metrics, written by
// hand with fmt.Fprintf exactly as the teacher does it rather than
// through a metrics client library.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.readiness != nil {
			fmt.Fprintf(w, "# HELP nimble_uptime_seconds Server uptime in seconds.\n")
			fmt.Fprintf(w, "# TYPE nimble_uptime_seconds gauge\n")
			fmt.Fprintf(w, "nimble_uptime_seconds %.0f\n", h.readiness.Uptime().Seconds())
		}
		if h.stats == nil {
			return
		}
		fmt.Fprintf(w, "# HELP nimble_connections Current assigned TransportConnections.\n")
		fmt.Fprintf(w, "# TYPE nimble_connections gauge\n")
		fmt.Fprintf(w, "nimble_connections %d\n", h.stats.ConnectedCount())

		fmt.Fprintf(w, "# HELP nimble_authoritative_step_id Current authoritative step id.\n")
		fmt.Fprintf(w, "# TYPE nimble_authoritative_step_id counter\n")
		fmt.Fprintf(w, "nimble_authoritative_step_id %d\n", h.stats.AuthoritativeStepID())

		fmt.Fprintf(w, "# HELP nimble_datagrams_processed_total Inbound datagrams accepted by the ordered-delivery codec.\n")
		fmt.Fprintf(w, "# TYPE nimble_datagrams_processed_total counter\n")
		fmt.Fprintf(w, "nimble_datagrams_processed_total %d\n", h.stats.DatagramsProcessed())

		fmt.Fprintf(w, "# HELP nimble_datagrams_dropped_total Inbound datagrams dropped as reordered.\n")
		fmt.Fprintf(w, "# TYPE nimble_datagrams_dropped_total counter\n")
		fmt.Fprintf(w, "nimble_datagrams_dropped_total %d\n", h.stats.DatagramsDropped())

		fmt.Fprintf(w, "# HELP nimble_join_requests_total JoinGame requests handled.\n")
		fmt.Fprintf(w, "# TYPE nimble_join_requests_total counter\n")
		fmt.Fprintf(w, "nimble_join_requests_total %d\n", h.stats.JoinRequests())

		fmt.Fprintf(w, "# HELP nimble_game_step_requests_total GameStep requests handled.\n")
		fmt.Fprintf(w, "# TYPE nimble_game_step_requests_total counter\n")
		fmt.Fprintf(w, "nimble_game_step_requests_total %d\n", h.stats.GameStepRequests())

		fmt.Fprintf(w, "# HELP nimble_download_requests_total DownloadGameStateRequest requests handled.\n")
		fmt.Fprintf(w, "# TYPE nimble_download_requests_total counter\n")
		fmt.Fprintf(w, "nimble_download_requests_total %d\n", h.stats.DownloadRequests())

		fmt.Fprintf(w, "# HELP nimble_forced_disconnects_total Connections released for exceeding the forced-step threshold.\n")
		fmt.Fprintf(w, "# TYPE nimble_forced_disconnects_total counter\n")
		fmt.Fprintf(w, "nimble_forced_disconnects_total %d\n", h.stats.ForcedDisconnects())

		fmt.Fprintf(w, "# HELP nimble_blob_chunks_sent_total Blob-stream chunk datagrams sent.\n")
		fmt.Fprintf(w, "# TYPE nimble_blob_chunks_sent_total counter\n")
		fmt.Fprintf(w, "nimble_blob_chunks_sent_total %d\n", h.stats.BlobChunksSent())
	}
}

// JournalDumpHandler authorises and triggers a step-journal dump.
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
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("journal dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("journal dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal dump denied: no dumper configured")
			http.Error(w, "journal dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.journal.DumpJournal(r.Context())
		if err != nil {
			reqLogger.Error("journal dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger journal dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
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
		token = strings.TrimSpace(r.URL.Query().Get("token"))
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
