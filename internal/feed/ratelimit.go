package feed

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
)

type RateBudgetOptions struct {
	// Window and MaxCalls bound calls made locally, independent of what the
	// remote reports.
	Window   time.Duration
	MaxCalls int
	// Threshold is the remote remaining-count below which the next call
	// waits for the reset.
	Threshold   int
	DefaultWait time.Duration
	MaxWait     time.Duration
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// RateBudget tracks calls made by one Client. It is not shared between
// clients.
type RateBudget struct {
	window      time.Duration
	maxCalls    int
	threshold   int
	defaultWait time.Duration
	maxWait     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	windowStart time.Time
	calls       int
	remaining   int
	reset       string
}

func NewRateBudget(opts RateBudgetOptions) *RateBudget {
	window := opts.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	maxCalls := opts.MaxCalls
	if maxCalls <= 0 {
		maxCalls = 300
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	defaultWait := opts.DefaultWait
	if defaultWait <= 0 {
		defaultWait = time.Minute
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitWithContext
	}
	return &RateBudget{
		window:      window,
		maxCalls:    maxCalls,
		threshold:   threshold,
		defaultWait: defaultWait,
		maxWait:     maxWait,
		now:         now,
		sleep:       sleep,
		remaining:   -1,
	}
}

// Acquire blocks until the next call may be made and records it. It returns
// how long it waited.
func (b *RateBudget) Acquire(ctx context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)
	wait := b.pendingWait(now)
	if wait > 0 {
		if err := b.sleep(ctx, wait); err != nil {
			return 0, err
		}
		now = b.now()
		if now.Before(b.windowStart.Add(b.window)) && b.calls >= b.maxCalls {
			now = b.windowStart.Add(b.window)
		}
		b.roll(now)
		b.remaining = -1
		b.reset = ""
	}
	b.calls++
	return wait, nil
}

// Observe records the remote's view of the budget from a response.
func (b *RateBudget) Observe(header http.Header) {
	if header == nil {
		return
	}
	raw := strings.TrimSpace(header.Get(HeaderRateRemaining))
	if raw == "" {
		return
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = remaining
	b.reset = strings.TrimSpace(header.Get(HeaderRateReset))
}

// Exhaust marks the remote budget as spent, as after a 429 response. The
// wait runs until the reported reset, else for Retry-After, else for the
// default wait.
func (b *RateBudget) Exhaust(header http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.reset = ""
	if header == nil {
		return
	}
	if reset := strings.TrimSpace(header.Get(HeaderRateReset)); reset != "" {
		b.reset = reset
		return
	}
	if delay := parseRetryAfter(header.Get("Retry-After"), b.now()); delay > 0 {
		b.reset = strconv.FormatInt(b.now().Add(delay).Unix(), 10)
	}
}

func (b *RateBudget) roll(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.calls = 0
	}
}

func (b *RateBudget) pendingWait(now time.Time) time.Duration {
	var wait time.Duration
	if b.remaining >= 0 && b.remaining < b.threshold {
		wait = b.resetWait(now)
	}
	if b.calls >= b.maxCalls {
		if local := b.windowStart.Add(b.window).Sub(now); local > wait {
			wait = local
		}
	}
	return wait
}

func (b *RateBudget) resetWait(now time.Time) time.Duration {
	resetAt, ok := parseResetTime(b.reset)
	if !ok {
		return b.defaultWait
	}
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	if wait > b.maxWait {
		return b.defaultWait
	}
	return wait
}

// parseResetTime reads a reset header given either as Unix epoch seconds or
// as an ISO-8601 timestamp.
func parseResetTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0), true
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(seconds*float64(time.Second))), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
