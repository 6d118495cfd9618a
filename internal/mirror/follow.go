package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/agentworkforce/tootsync/internal/feed"
)

// Runner is satisfied by *Syncer.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (Report, error)
}

type FollowOptions struct {
	Interval time.Duration
	// Jitter spreads each interval by up to this ratio in either direction.
	Jitter float64
	// Triggers requests an extra run. Use NewTriggers and Trigger so that
	// requests arriving during a run collapse into one follow-up run.
	Triggers <-chan string
	// Initial is used for the first run only, e.g. to force a full sync.
	Initial RunOptions
	// Timeout bounds a single run. Zero means no bound.
	Timeout  time.Duration
	Logger   *slog.Logger
	Sample   func() float64
	OnReport func(Report, error)
}

// NewTriggers returns a channel suitable for FollowOptions.Triggers.
func NewTriggers() chan string {
	return make(chan string, 1)
}

// Trigger requests a run without blocking. If a request is already pending
// this one is merged into it.
func Trigger(triggers chan<- string, reason string) {
	select {
	case triggers <- reason:
	default:
	}
}

// Follow runs once immediately, then again on every jittered interval and
// every trigger, until ctx is done. Runs never overlap.
func Follow(ctx context.Context, runner Runner, opts FollowOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}

	run := func(reason string, runOpts RunOptions) {
		runCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		logger.Info("follow run", "reason", reason)
		report, err := runner.Run(runCtx, runOpts)
		switch {
		case errors.Is(err, ErrLocked):
			logger.Warn("run skipped, archive is locked", "error", err)
		case err != nil:
			logger.Error("sync run failed", "error", err)
		}
		if opts.OnReport != nil {
			opts.OnReport(report, err)
		}
	}

	run("start", opts.Initial)
	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, sample()))
	defer timer.Stop()
	triggers := opts.Triggers
	for {
		select {
		case <-ctx.Done():
			logger.Info("follow stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			run("interval", RunOptions{})
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, sample()))
		case reason, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			run(reason, RunOptions{})
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, sample()))
		}
	}
}

// DeletionRecorder learns about remote deletions. *Syncer implements it.
type DeletionRecorder interface {
	NoteDeleted(id string) (bool, error)
}

// ForwardEvents turns streaming events into run requests until events is
// closed or ctx is done. With a recorder, a delete only requests a run when
// the status is archived; deletes of other statuses on the stream are
// dropped.
func ForwardEvents(ctx context.Context, events <-chan feed.Event, triggers chan<- string, deletions DeletionRecorder) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Kind == feed.EventDelete && deletions != nil {
				// a failed lookup still requests a run
				if known, err := deletions.NoteDeleted(event.StatusID); err == nil && !known {
					continue
				}
			}
			Trigger(triggers, string(event.Kind)+" "+event.StatusID)
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
