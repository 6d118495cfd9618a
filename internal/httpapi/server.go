// Package httpapi serves the mirrored archive and the sync status over HTTP
// and lets authorized clients request a sync.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/mirror"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Location        *time.Location
	Logger          *slog.Logger
	Now             func() time.Time
}

// RecordSource is satisfied by every archive.Store.
type RecordSource interface {
	Load() (archive.Records, error)
}

type Server struct {
	records     RecordSource
	status      *RunStatus
	triggers    chan<- string
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer serves records. status and triggers may be nil, in which case
// the sync routes answer 503.
func NewServer(records RecordSource, status *RunStatus, triggers chan<- string, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		records:     records,
		status:      status,
		triggers:    triggers,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope, route string
	switch {
	case len(parts) == 2 && parts[1] == "days" && r.Method == http.MethodGet:
		requiredScope, route = ScopeArchiveRead, "days"
	case len(parts) == 2 && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope, route = ScopeArchiveRead, "records"
	case len(parts) == 3 && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope, route = ScopeArchiveRead, "record"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope, route = ScopeSyncRead, "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "refresh" && r.Method == http.MethodPost:
		requiredScope, route = ScopeSyncTrigger, "sync_refresh"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	now := s.cfg.Now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, now) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "days":
		s.handleDays(w, correlationID)
	case "records":
		s.handleRecords(w, r, correlationID)
	case "record":
		s.handleRecord(w, parts[2], correlationID)
	case "sync_status":
		s.handleSyncStatus(w, correlationID)
	case "sync_refresh":
		s.handleSyncRefresh(w, claims, correlationID)
	}
}

type dayView struct {
	Date    string `json:"date"`
	Records int    `json:"records"`
}

type recordView struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	CreatedAt string `json:"createdAt"`
	Block     string `json:"block,omitempty"`
}

type recordsResponse struct {
	Records    []recordView `json:"records"`
	NextCursor *string      `json:"nextCursor"`
}

func (s *Server) loadDays(w http.ResponseWriter, correlationID string) ([]archive.Day, bool) {
	records, err := s.records.Load()
	if err != nil {
		s.cfg.Logger.Error("cannot load records", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot load records", correlationID)
		return nil, false
	}
	return archive.GroupByDay(records, s.cfg.Location), true
}

func (s *Server) handleDays(w http.ResponseWriter, correlationID string) {
	days, ok := s.loadDays(w, correlationID)
	if !ok {
		return
	}
	out := make([]dayView, 0, len(days))
	for _, day := range days {
		out = append(out, dayView{Date: day.Date, Records: len(day.Records)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": out})
}

// handleRecords lists records in archive order. cursor is the offset
// returned as nextCursor by the previous page.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	day := strings.TrimSpace(q.Get("day"))
	limit := parseBoundedInt(q.Get("limit"), 50, 1, 500)
	offset := parseBoundedInt(q.Get("cursor"), 0, 0, math.MaxInt32)

	days, ok := s.loadDays(w, correlationID)
	if !ok {
		return
	}
	var all []recordView
	for _, d := range days {
		if day != "" && d.Date != day {
			continue
		}
		for _, rec := range d.Records {
			all = append(all, s.view(rec, d.Date, false))
		}
	}
	resp := recordsResponse{Records: []recordView{}}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		resp.Records = all[offset:end]
		if end < len(all) {
			next := strconv.Itoa(end)
			resp.NextCursor = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecord(w http.ResponseWriter, id, correlationID string) {
	records, err := s.records.Load()
	if err != nil {
		s.cfg.Logger.Error("cannot load records", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot load records", correlationID)
		return
	}
	rec, ok := records[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	date := rec.CreatedAt.In(s.cfg.Location).Format("2006-01-02")
	writeJSON(w, http.StatusOK, s.view(rec, date, true))
}

func (s *Server) view(rec archive.Record, date string, withBlock bool) recordView {
	v := recordView{
		ID:        rec.ID,
		Date:      date,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if withBlock {
		v.Block = rec.Block
	}
	return v
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, correlationID string) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync status is not tracked", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.status.snapshot())
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, claims tokenClaims, correlationID string) {
	if s.triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync cannot be triggered", correlationID)
		return
	}
	mirror.Trigger(s.triggers, "api "+claims.Subject)
	s.cfg.Logger.Info("sync requested", "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "correlationId": correlationID})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
