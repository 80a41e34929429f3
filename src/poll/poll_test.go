package poll

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastWaiter() Waiter {
	return Waiter{Initial: time.Millisecond, Step: time.Millisecond, Max: 2 * time.Millisecond}
}

func isDone(s string) bool { return s == "completed" || s == "error" }

func TestWaitReachesTerminalState(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		if calls >= 3 {
			return "completed", nil
		}
		return "pending", nil
	}
	state, err := fastWaiter().Wait(context.Background(), "snap-1", fetch, isDone, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if state != "completed" {
		t.Errorf("state = %q, want completed", state)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWaitTimeout(t *testing.T) {
	fetch := func(ctx context.Context) (string, error) { return "pending", nil }
	_, err := fastWaiter().Wait(context.Background(), "snap-1", fetch, isDone, 10*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.LastState != "pending" {
		t.Errorf("last state = %q, want pending", te.LastState)
	}
	if te.Resource != "snap-1" {
		t.Errorf("resource = %q", te.Resource)
	}
}

func TestWaitToleratesTransientFetchErrors(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", fmt.Errorf("resource does not exist yet")
		}
		return "completed", nil
	}
	state, err := fastWaiter().Wait(context.Background(), "snap-1", fetch, isDone, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if state != "completed" {
		t.Errorf("state = %q", state)
	}
}

func TestWaitGivesUpAfterConsecutiveFetchErrors(t *testing.T) {
	w := fastWaiter()
	w.FetchRetries = 2
	boom := errors.New("boom")
	fetch := func(ctx context.Context) (string, error) { return "", boom }
	_, err := w.Wait(context.Background(), "snap-1", fetch, isDone, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Fatal("should not be a TimeoutError")
	}
}

func TestWaitPermanentAbortsImmediately(t *testing.T) {
	stall := errors.New("stalled")
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "", &Permanent{Err: stall}
	}
	_, err := fastWaiter().Wait(context.Background(), "snap-1", fetch, isDone, time.Second)
	if !errors.Is(err, stall) {
		t.Fatalf("err = %v, want stall", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent errors)", calls)
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context) (string, error) {
		cancel()
		return "pending", nil
	}
	_, err := fastWaiter().Wait(ctx, "snap-1", fetch, isDone, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWaitNoTimeoutWhenZero(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		if calls >= 5 {
			return "completed", nil
		}
		return "pending", nil
	}
	state, err := fastWaiter().Wait(context.Background(), "snap-1", fetch, isDone, 0)
	if err != nil || state != "completed" {
		t.Fatalf("state=%q err=%v", state, err)
	}
}
