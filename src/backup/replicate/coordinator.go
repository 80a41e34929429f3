// Package replicate copies snapshots into a backup region and watches the
// copies for stalls.
package replicate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/backup/snapshots"
	"ebs-backup/src/poll"
)

const gib = 1 << 30

// StallError reports a copy whose throughput fell below the configured
// floor for longer than its expected duration plus grace. The copy is left
// running; cancelling risks inconsistent state in the destination region.
type StallError struct {
	SnapshotID string
	CopyID     string
	DestRegion string
	Elapsed    time.Duration
	Expected   time.Duration
	Observed   float64 // bytes/s
	Threshold  float64 // bytes/s
}

func (e *StallError) Error() string {
	return fmt.Sprintf("copy %s of %s into %s stalled: %s/s observed, %s/s required, %s elapsed (expected %s)",
		e.CopyID, e.SnapshotID, e.DestRegion,
		humanize.Bytes(uint64(e.Observed)), humanize.Bytes(uint64(e.Threshold)),
		e.Elapsed.Round(time.Second), e.Expected.Round(time.Second))
}

// Job is the handle for one in-flight cross-region copy. Ephemeral: it
// exists only while the copy is monitored.
type Job struct {
	Source     awsapi.Snapshot
	CopyID     string
	DestRegion string
	Started    time.Time
}

// Coordinator copies native snapshots between regions.
type Coordinator struct {
	Client     awsapi.Client
	Waiter     poll.Waiter
	Log        zerolog.Logger
	SpeedGiBps float64       // replication_speed threshold; <= 0 disables stall detection
	Grace      time.Duration // margin on top of the expected duration
	MinElapsed time.Duration // floor below which a copy is never called stalled
	NativeOnly bool
	KMSKeyID   string // destination-region key for encrypted copies
	Now        func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Candidates filters a source region's snapshots down to the ones worth
// copying: completed, created by this tool, native unless overridden, and
// only the newest per volume. Volumes whose destination copy is already at
// least as new are skipped.
func (c *Coordinator) Candidates(src, dst []awsapi.Snapshot) []awsapi.Snapshot {
	newest := map[string]awsapi.Snapshot{}
	for _, s := range src {
		if s.Status != awsapi.StatusCompleted {
			continue
		}
		d, ok := snapshots.ParseDescription(s.Description)
		if !ok || s.StartTime.IsZero() {
			continue
		}
		if c.NativeOnly && s.Tags[awsapi.SourceTag] != awsapi.SourceNative {
			continue
		}
		cur, ok := newest[d.Volume]
		if !ok || s.StartTime.After(cur.StartTime) {
			newest[d.Volume] = s
		}
	}

	// Latest healthy destination copy per origin volume.
	dstNewest := map[string]time.Time{}
	for _, s := range dst {
		if s.Status == awsapi.StatusError {
			continue
		}
		d, ok := snapshots.ParseDescription(s.Description)
		if !ok {
			continue
		}
		if t, ok := dstNewest[d.Volume]; !ok || s.StartTime.After(t) {
			dstNewest[d.Volume] = s.StartTime
		}
	}

	var out []awsapi.Snapshot
	for vol, s := range newest {
		if t, ok := dstNewest[vol]; ok && !t.Before(s.StartTime) {
			c.Log.Info().Str("snapshot", s.ID).Str("volume", vol).
				Msg("stepping over: destination already has a copy at least as new")
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replicate starts a cross-region copy of the snapshot and tags the copy
// with its provenance. Encrypted sources are copied encrypted with the
// destination region's key; they are never decrypted in transit.
func (c *Coordinator) Replicate(ctx context.Context, snap awsapi.Snapshot, dstRegion string) (*Job, error) {
	kmsKeyID := ""
	if snap.Encrypted {
		if c.KMSKeyID == "" {
			return nil, fmt.Errorf("replicate %s: no kms_key_id configured for encrypted copies into %s", snap.ID, dstRegion)
		}
		kmsKeyID = c.KMSKeyID
	}
	copyID, err := c.Client.CopySnapshot(ctx, snap.Region, dstRegion, snap.ID, snap.Description, snap.Encrypted, kmsKeyID)
	if err != nil {
		return nil, fmt.Errorf("replicate %s to %s: %w", snap.ID, dstRegion, err)
	}

	tags := make(map[string]string, len(snap.Tags)+3)
	for k, v := range snap.Tags {
		tags[k] = v
	}
	tags[awsapi.SourceTag] = awsapi.SourceReplica
	tags[awsapi.OriginSnapTag] = snap.ID
	tags[awsapi.OriginRegionTag] = snap.Region
	if err := c.Client.TagResource(ctx, dstRegion, copyID, tags); err != nil {
		return nil, fmt.Errorf("tag copy %s: %w", copyID, err)
	}

	c.Log.Info().Str("snapshot", snap.ID).Str("copy", copyID).
		Str("from", snap.Region).Str("to", dstRegion).
		Int32("size_gib", snap.SizeGiB).Bool("encrypted", snap.Encrypted).
		Msg("copy initiated")
	return &Job{Source: snap, CopyID: copyID, DestRegion: dstRegion, Started: c.now()}, nil
}

// Await polls the copy until it completes. If the copy outlives its
// expected duration (size over the speed threshold) plus grace without
// finishing, Await returns a StallError and leaves the copy running.
func (c *Coordinator) Await(ctx context.Context, job *Job) (awsapi.Snapshot, error) {
	sizeBytes := float64(job.Source.SizeGiB) * gib
	threshold := c.SpeedGiBps * gib
	var expected time.Duration
	if threshold > 0 {
		expected = time.Duration(sizeBytes / threshold * float64(time.Second))
	}
	deadline := expected + c.Grace
	if deadline < c.MinElapsed {
		deadline = c.MinElapsed
	}

	fetch := func(ctx context.Context) (string, error) {
		progress, err := c.Client.CopyProgress(ctx, job.DestRegion, job.CopyID)
		if err != nil {
			return "", err
		}
		if progress.Status != awsapi.StatusPending {
			return string(progress.Status), nil
		}
		elapsed := c.now().Sub(job.Started)
		if threshold > 0 && elapsed > deadline {
			transferred := sizeBytes * float64(progress.Percent) / 100
			observed := 0.0
			if elapsed > 0 {
				observed = transferred / elapsed.Seconds()
			}
			return "", &poll.Permanent{Err: &StallError{
				SnapshotID: job.Source.ID,
				CopyID:     job.CopyID,
				DestRegion: job.DestRegion,
				Elapsed:    elapsed,
				Expected:   expected,
				Observed:   observed,
				Threshold:  threshold,
			}}
		}
		return string(progress.Status), nil
	}
	done := func(s string) bool {
		return s == string(awsapi.StatusCompleted) || s == string(awsapi.StatusError)
	}

	// The stall check bounds the wait; the poller itself runs without a
	// timeout of its own (the context still applies).
	state, err := c.Waiter.Wait(ctx, job.CopyID, fetch, done, 0)
	if err != nil {
		return awsapi.Snapshot{}, err
	}
	if state == string(awsapi.StatusError) {
		return awsapi.Snapshot{}, fmt.Errorf("copy %s finished with status error", job.CopyID)
	}
	return c.Client.GetSnapshot(ctx, job.DestRegion, job.CopyID)
}
