package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/replay"
	"powernet/broker/internal/simulation"
)

// ReadinessProvider exposes process state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// NetworkSummary describes one network as served by /api/networks.
type NetworkSummary struct {
	ID      string             `json:"id"`
	Members []node.ID          `json:"members"`
	Span    float64            `json:"span,omitempty"`
	Ledger  *simulation.Ledger `json:"ledger,omitempty"`
}

// NetworkView is the body of /api/networks.
type NetworkView struct {
	Role     string           `json:"role"`
	Tick     uint64           `json:"tick"`
	Networks []NetworkSummary `json:"networks"`
}

// NetworksFunc returns the current partition, or the replica's view of it on observers.
type NetworksFunc func() NetworkView

// Rebuilder forces a clustering pass.
type Rebuilder interface {
	RequestRebuild()
}

// RebuilderFunc adapts a function into a Rebuilder.
type RebuilderFunc func()

// RequestRebuild implements Rebuilder.
func (f RebuilderFunc) RequestRebuild() { f() }

// JournalRoller closes the current journal bundle and starts a new one.
type JournalRoller interface {
	Roll() (string, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Metrics      http.Handler
	Networks     NetworksFunc
	Rebuilder    Rebuilder
	Journal      JournalRoller
	JournalStats func() replay.Stats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	metrics      http.Handler
	networks     NetworksFunc
	rebuilder    Rebuilder
	journal      JournalRoller
	journalStats func() replay.Stats
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
		metrics:      opts.Metrics,
		networks:     opts.Networks,
		rebuilder:    opts.Rebuilder,
		journal:      opts.Journal,
		journalStats: opts.JournalStats,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	mux.HandleFunc("/api/networks", h.NetworksHandler())
	mux.HandleFunc("/api/rebuild", h.RebuildHandler())
	mux.HandleFunc("/api/journal/roll", h.JournalRollHandler())
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

// ReadinessHandler reports readiness, client counts, startup status and journal health.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type journal struct {
		Bundle   string `json:"bundle"`
		Messages int64  `json:"messages"`
		Frames   int64  `json:"frames"`
		Failures int64  `json:"failures"`
	}
	type response struct {
		Status         string   `json:"status"`
		Message        string   `json:"message,omitempty"`
		UptimeSeconds  float64  `json:"uptime_seconds"`
		Clients        int      `json:"clients"`
		PendingClients int      `json:"pending_clients"`
		Journal        *journal `json:"journal,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients, resp.PendingClients = h.readiness.SnapshotClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.journalStats != nil {
			stats := h.journalStats()
			resp.Journal = &journal{Bundle: stats.CurrentBundle, Messages: stats.Messages, Frames: stats.Frames, Failures: stats.Failures}
		}
		writeJSON(w, status, resp)
	}
}

// NetworksHandler serves the current network view.
func (h *HandlerSet) NetworksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.networks == nil {
			http.Error(w, "network view is unavailable", http.StatusServiceUnavailable)
			return
		}
		view := h.networks()
		if view.Networks == nil {
			view.Networks = []NetworkSummary{}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// RebuildHandler authorises and forces a clustering pass.
func (h *HandlerSet) RebuildHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger, ok := h.admit(w, r, "rebuild")
		if !ok {
			return
		}
		if h.rebuilder == nil {
			reqLogger.Warn("rebuild denied: not authoritative")
			http.Error(w, "rebuilds are only available on the authority", http.StatusServiceUnavailable)
			return
		}
		h.rebuilder.RequestRebuild()
		reqLogger.Info("network rebuild requested")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

// JournalRollHandler authorises and rolls the journal into a new bundle.
func (h *HandlerSet) JournalRollHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger, ok := h.admit(w, r, "journal_roll")
		if !ok {
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal roll denied: no journal configured")
			http.Error(w, "journal is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.journal.Roll()
		if err != nil {
			reqLogger.Error("journal roll failed", logging.Error(err))
			http.Error(w, "failed to roll journal", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal rolled", logging.String("bundle", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// admit applies the method, admin token and rate limit checks shared by admin endpoints.
func (h *HandlerSet) admit(w http.ResponseWriter, r *http.Request, handler string) (*logging.Logger, bool) {
	//1.- Prefer the request-scoped logger so admin actions carry the trace id.
	base := h.logger
	if logging.TraceIDFromContext(r.Context()) != "" {
		base = logging.LoggerFromContext(r.Context())
	}
	reqLogger := base.With(logging.String("handler", handler), logging.String("remote_addr", r.RemoteAddr))
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return reqLogger, false
	}
	if h.adminToken == "" {
		reqLogger.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return reqLogger, false
	}
	if !h.authorise(r) {
		reqLogger.Warn("admin request denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return reqLogger, false
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		reqLogger.Warn("admin request denied: rate limit exceeded")
		if hinted, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
			if wait := hinted.RetryAfter(); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return reqLogger, false
	}
	return reqLogger, true
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
