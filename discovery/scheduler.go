package discovery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ErrPassInProgress is returned when a pass is requested while another is running.
var ErrPassInProgress = errors.New("discovery pass already in progress")

// Starter launches a chat session for a ready channel. Duplicates are its concern.
type Starter interface {
	Start(ctx context.Context, rc ReadyChannel) bool
}

// Runner couples a Discoverer with a Starter and serializes passes.
type Runner struct {
	Discoverer *Discoverer
	Starter    Starter

	mu sync.Mutex
}

// RunOnce executes a pass and hands every ready channel to the Starter. It returns the
// number of sessions actually started.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if !r.mu.TryLock() {
		return 0, ErrPassInProgress
	}
	defer r.mu.Unlock()
	return r.run(ctx)
}

// RunAsync claims the pass slot and runs the pass in a new goroutine, calling done with
// its result when non-nil. It returns ErrPassInProgress without starting anything when a
// pass is already running.
func (r *Runner) RunAsync(ctx context.Context, done func(started int, err error)) error {
	if !r.mu.TryLock() {
		return ErrPassInProgress
	}
	go func() {
		defer r.mu.Unlock()
		started, err := r.run(ctx)
		if done != nil {
			done(started, err)
		}
	}()
	return nil
}

func (r *Runner) run(ctx context.Context) (int, error) {
	ready, err := r.Discoverer.Run(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, rc := range ready {
		if r.Starter.Start(ctx, rc) {
			started++
		}
	}
	slog.Info("discovery pass dispatched", slog.Int("ready", len(ready)), slog.Int("started", started), slog.String("component", "discovery"))
	return started, nil
}

// StartRescanner launches a goroutine that repeats RunOnce every interval with ±20%
// jitter until ctx is done. A non-positive interval disables re-scanning. Failed
// passes are logged and retried on the next tick.
func StartRescanner(ctx context.Context, r *Runner, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextDelay(interval)):
			}
			if _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("discovery re-scan failed", slog.Any("err", err), slog.String("component", "discovery"))
			}
		}
	}()
}

func nextDelay(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	d := interval + jitter
	if d < interval/2 {
		d = interval / 2
	}
	return d
}
