// Package retention computes which snapshots a region can drop under a
// multi-tier rotation policy. Pure planning, no provider calls.
package retention

import (
	"sort"
	"time"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/backup/snapshots"
	"ebs-backup/src/config"
)

// Tier is one retention bucket: snapshots aged into the tier's range keep
// one representative per Width-wide sub-window, up to Keep sub-windows.
type Tier struct {
	Name  string
	Width time.Duration
	Keep  int
}

const (
	day     = 24 * time.Hour
	week    = 7 * day
	month   = 30 * day
	quarter = 91 * day
	year    = 365 * day
)

// Tiers builds the tier ladder, finest first, from configured capacities.
func Tiers(r config.Retention) []Tier {
	return []Tier{
		{Name: "hourly", Width: time.Hour, Keep: r.Hourly},
		{Name: "daily", Width: day, Keep: r.Daily},
		{Name: "weekly", Width: week, Keep: r.Weekly},
		{Name: "monthly", Width: month, Keep: r.Monthly},
		{Name: "quarterly", Width: quarter, Keep: r.Quarterly},
		{Name: "yearly", Width: year, Keep: r.Yearly},
	}
}

// Plan is the outcome of a planning pass over one region's snapshot set.
type Plan struct {
	// Delete is the set of snapshots the policy no longer needs.
	Delete []awsapi.Snapshot
	// Survivors is the input minus Delete; planning the survivors again
	// yields an empty Delete set.
	Survivors []awsapi.Snapshot
	// Ambiguous are snapshots with missing or unparsable timestamps,
	// excluded from deletion and reported (fail safe).
	Ambiguous []awsapi.Snapshot
	// Foreign are snapshots whose description was not written by this
	// tool (manual snapshots, AMI-backing snapshots). The rotation policy
	// never touches them.
	Foreign []awsapi.Snapshot
}

// PlanRegion buckets a region's snapshots by age into tiers and marks the
// overflow for deletion. Rules, in order:
//   - snapshots that are not completed are never deleted
//   - snapshots tagged preserve_snapshot are never deleted
//   - snapshots this tool did not create are never deleted
//   - snapshots without a usable timestamp are excluded and reported
//   - the newest snapshot of each volume is never deleted
//   - within each tier sub-window, only the newest snapshot survives
//   - snapshots older than the full tier span are deleted
//
// A snapshot exactly on a tier boundary falls into the coarser tier (the
// tier ranges are half-open).
func PlanRegion(snaps []awsapi.Snapshot, tiers []Tier, now time.Time) Plan {
	var plan Plan
	doomed := map[string]bool{}

	groups := map[string][]awsapi.Snapshot{}
	for _, s := range snaps {
		if s.Status != awsapi.StatusCompleted {
			continue
		}
		if _, ok := s.Tags[awsapi.PreserveTag]; ok {
			continue
		}
		d, ok := snapshots.ParseDescription(s.Description)
		if !ok {
			plan.Foreign = append(plan.Foreign, s)
			continue
		}
		if s.StartTime.IsZero() {
			plan.Ambiguous = append(plan.Ambiguous, s)
			continue
		}
		// Replicas carry the origin volume in the cloned description, so
		// replica chains rotate the same way native chains do.
		groups[d.Volume] = append(groups[d.Volume], s)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	span := totalSpan(tiers)
	for _, key := range keys {
		group := groups[key]
		// Newest first; id as tie-break keeps the pass deterministic.
		sort.Slice(group, func(i, j int) bool {
			if !group[i].StartTime.Equal(group[j].StartTime) {
				return group[i].StartTime.After(group[j].StartTime)
			}
			return group[i].ID < group[j].ID
		})

		type window struct{ tier, index int }
		taken := map[window]bool{}
		for i, s := range group {
			age := now.Sub(s.StartTime)
			if age < 0 {
				age = 0
			}
			if i == 0 {
				// The newest snapshot of a volume is always retained; it
				// still occupies its sub-window so same-window siblings
				// rotate out.
				if tier, idx := locate(tiers, age); tier >= 0 {
					taken[window{tier, idx}] = true
				}
				continue
			}
			if age >= span {
				doomed[s.ID] = true
				continue
			}
			tier, idx := locate(tiers, age)
			if tier < 0 {
				doomed[s.ID] = true
				continue
			}
			w := window{tier, idx}
			if taken[w] {
				doomed[s.ID] = true
				continue
			}
			taken[w] = true
		}
	}

	for _, s := range snaps {
		if doomed[s.ID] {
			plan.Delete = append(plan.Delete, s)
		} else {
			plan.Survivors = append(plan.Survivors, s)
		}
	}
	return plan
}

// locate returns the tier index and sub-window index covering the age, or
// (-1, -1) when the age falls beyond every configured tier. Ranges are
// half-open, so an age exactly on a boundary lands in the coarser tier.
func locate(tiers []Tier, age time.Duration) (int, int) {
	var start time.Duration
	for i, t := range tiers {
		if t.Keep <= 0 || t.Width <= 0 {
			continue
		}
		end := start + t.Width*time.Duration(t.Keep)
		if age < end {
			if age < start {
				// Possible only for tier 0 with a negative age; clamped
				// by the caller.
				return i, 0
			}
			return i, int((age - start) / t.Width)
		}
		start = end
	}
	return -1, -1
}

func totalSpan(tiers []Tier) time.Duration {
	var span time.Duration
	for _, t := range tiers {
		if t.Keep > 0 && t.Width > 0 {
			span += t.Width * time.Duration(t.Keep)
		}
	}
	return span
}
