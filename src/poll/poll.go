// Package poll provides the single polling primitive every blocking wait
// in the tool goes through, so interval and timeout policy lives in one
// place.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TimeoutError reports a resource that never reached a terminal state
// within the allowed window. The resource is left in place for a later
// retry pass.
type TimeoutError struct {
	Resource  string
	LastState string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s still %q after %s", e.Resource, e.LastState, e.Waited.Round(time.Second))
}

// Permanent wraps a fetch error that should abort the wait immediately
// instead of being retried as transient.
type Permanent struct{ Err error }

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// Fetch returns the current state of a resource.
type Fetch func(ctx context.Context) (string, error)

// Waiter polls a resource with a growing interval until a terminal state
// is reached. Zero fields take the defaults below.
type Waiter struct {
	Initial      time.Duration // first pause, default 3s
	Step         time.Duration // added to the pause each poll, default 5s
	Max          time.Duration // pause ceiling, default 30s
	FetchRetries int           // tolerated consecutive fetch errors, default 10
	Log          zerolog.Logger
}

const (
	defaultInitial      = 3 * time.Second
	defaultStep         = 5 * time.Second
	defaultMax          = 30 * time.Second
	defaultFetchRetries = 10
)

// Wait polls fetch until done reports a terminal state, the timeout
// expires, or the context is cancelled. A timeout of zero or less means no
// deadline beyond the context. Fetch errors are tolerated a bounded number
// of consecutive times (resources can be reported missing right after
// creation); an error wrapped in Permanent aborts immediately.
func (w Waiter) Wait(ctx context.Context, resource string, fetch Fetch, done func(string) bool, timeout time.Duration) (string, error) {
	initial, step, max, retries := w.Initial, w.Step, w.Max, w.FetchRetries
	if initial <= 0 {
		initial = defaultInitial
	}
	if step <= 0 {
		step = defaultStep
	}
	if max <= 0 {
		max = defaultMax
	}
	if retries <= 0 {
		retries = defaultFetchRetries
	}

	start := time.Now()
	interval := initial
	lastState := ""
	failures := 0
	for {
		state, err := fetch(ctx)
		switch {
		case err == nil:
			failures = 0
			lastState = state
			if done(state) {
				return state, nil
			}
			w.Log.Debug().Str("resource", resource).Str("state", state).Msg("still waiting")
		default:
			var perm *Permanent
			if errors.As(err, &perm) {
				return lastState, perm.Err
			}
			failures++
			if failures > retries {
				return lastState, fmt.Errorf("poll %s: %w", resource, err)
			}
			w.Log.Debug().Str("resource", resource).Err(err).Int("failures", failures).Msg("fetch failed, retrying")
		}

		if timeout > 0 && time.Since(start)+interval > timeout {
			return lastState, &TimeoutError{Resource: resource, LastState: lastState, Waited: time.Since(start)}
		}
		if err := sleep(ctx, interval); err != nil {
			return lastState, err
		}
		if interval < max {
			interval += step
			if interval > max {
				interval = max
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
