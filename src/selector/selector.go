// Package selector resolves the set of instances eligible for backup.
// Tags are the sole selection mechanism.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ebs-backup/src/awsapi"
)

// LookupError reports a provider query that kept failing. It is fatal to
// the invoking command; the external scheduler retries on the next run.
type LookupError struct {
	Region string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("resource lookup in %s failed: %v", e.Region, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Selector queries instances by tag with a small bounded retry.
type Selector struct {
	Client   awsapi.Client
	Log      zerolog.Logger
	Attempts int           // default 3
	Pause    time.Duration // default 5s
}

// Select returns the instances in region carrying the tag key/value pair,
// deduplicated by id and sorted. Pure query, no side effects.
func (s Selector) Select(ctx context.Context, region, key, value string) ([]awsapi.Instance, error) {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	pause := s.Pause
	if pause <= 0 {
		pause = 5 * time.Second
	}

	var instances []awsapi.Instance
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		instances, err = s.Client.ListInstancesByTag(ctx, region, key, value)
		if err == nil {
			break
		}
		s.Log.Warn().Str("region", region).Err(err).
			Int("attempt", attempt).Int("attempts", attempts).
			Msg("instance lookup failed")
		if attempt == attempts {
			return nil, &LookupError{Region: region, Err: err}
		}
		select {
		case <-ctx.Done():
			return nil, &LookupError{Region: region, Err: ctx.Err()}
		case <-time.After(pause):
		}
	}

	seen := make(map[string]bool, len(instances))
	out := make([]awsapi.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.ID == "" || seen[inst.ID] {
			continue
		}
		seen[inst.ID] = true
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
