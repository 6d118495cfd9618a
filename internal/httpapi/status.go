package httpapi

import (
	"sync"
	"time"

	"github.com/agentworkforce/tootsync/internal/mirror"
)

// RunStatus remembers the outcome of the latest sync runs. Observe matches
// mirror.FollowOptions.OnReport.
type RunStatus struct {
	mu          sync.Mutex
	now         func() time.Time
	runs        int
	failures    int
	lastRunAt   time.Time
	lastError   string
	lastReport  mirror.Report
	lastSuccess time.Time
}

func NewRunStatus(now func() time.Time) *RunStatus {
	if now == nil {
		now = time.Now
	}
	return &RunStatus{now: now}
}

func (s *RunStatus) Observe(report mirror.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.lastRunAt = s.now().UTC()
	if err != nil {
		s.failures++
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
	s.lastReport = report
	s.lastSuccess = s.lastRunAt
}

type reportView struct {
	RunID          string   `json:"runId"`
	Mode           string   `json:"mode"`
	Reason         string   `json:"reason"`
	Fetched        int      `json:"fetched"`
	Added          []string `json:"added"`
	Updated        []string `json:"updated"`
	Removed        []string `json:"removed"`
	Records        int      `json:"records"`
	ArchiveChanged bool     `json:"archiveChanged"`
	FilesWritten   int      `json:"filesWritten"`
	FilesRemoved   int      `json:"filesRemoved"`
	Cursor         string   `json:"cursor"`
	DurationMs     int64    `json:"durationMs"`
}

type statusView struct {
	Runs          int         `json:"runs"`
	Failures      int         `json:"failures"`
	LastRunAt     *string     `json:"lastRunAt"`
	LastSuccessAt *string     `json:"lastSuccessAt"`
	LastError     string      `json:"lastError,omitempty"`
	LastReport    *reportView `json:"lastReport"`
}

func (s *RunStatus) snapshot() statusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := statusView{Runs: s.runs, Failures: s.failures, LastError: s.lastError}
	if !s.lastRunAt.IsZero() {
		at := s.lastRunAt.Format(time.RFC3339)
		view.LastRunAt = &at
	}
	if !s.lastSuccess.IsZero() {
		at := s.lastSuccess.Format(time.RFC3339)
		view.LastSuccessAt = &at
		r := s.lastReport
		view.LastReport = &reportView{
			RunID:          r.RunID,
			Mode:           string(r.Mode),
			Reason:         r.Reason,
			Fetched:        r.Fetched,
			Added:          nonNil(r.Added),
			Updated:        nonNil(r.Updated),
			Removed:        nonNil(r.Removed),
			Records:        r.Records,
			ArchiveChanged: r.ArchiveChanged,
			FilesWritten:   r.FilesWritten,
			FilesRemoved:   r.FilesRemoved,
			Cursor:         r.Cursor,
			DurationMs:     r.Duration.Milliseconds(),
		}
	}
	return view
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
