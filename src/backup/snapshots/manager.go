// Package snapshots creates tagged snapshots for the volumes of selected
// instances and waits for them to settle.
package snapshots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/poll"
)

// CreateError reports a snapshot request the provider rejected.
type CreateError struct {
	VolumeID string
	Err      error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create snapshot for %s: %v", e.VolumeID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Failure is one volume whose snapshot did not complete. SnapshotID is set
// when the snapshot exists but timed out or errored; it is left in place
// for the next run.
type Failure struct {
	InstanceID string
	VolumeID   string
	SnapshotID string
	Err        error
}

// Result is the outcome of a backup batch. Partial failure does not abort
// the batch: Snapshots holds everything that completed.
type Result struct {
	Snapshots []awsapi.Snapshot
	Failures  []Failure
}

// Manager creates snapshots for selected instances.
type Manager struct {
	Client      awsapi.Client
	Waiter      poll.Waiter
	Log         zerolog.Logger
	WaitCeiling time.Duration // per-snapshot wait bound (minutes_for_snap)
	Concurrency int
	Now         func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Backup snapshots every volume attached to every instance, tags the
// results, and waits for each to reach a terminal state. Per-volume
// failures are collected, not raised.
func (m *Manager) Backup(ctx context.Context, region string, instances []awsapi.Instance) (Result, error) {
	conc := m.Concurrency
	if conc < 1 {
		conc = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)

	var mu sync.Mutex
	var res Result
	for _, inst := range instances {
		for _, vol := range inst.Volumes {
			inst, vol := inst, vol
			g.Go(func() error {
				snap, snapID, err := m.backupVolume(gctx, region, inst, vol)
				if err != nil && gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					m.Log.Error().Str("region", region).Str("instance", inst.ID).
						Str("volume", vol.VolumeID).Err(err).Msg("snapshot failed")
					res.Failures = append(res.Failures, Failure{
						InstanceID: inst.ID,
						VolumeID:   vol.VolumeID,
						SnapshotID: snapID,
						Err:        err,
					})
					return nil
				}
				m.Log.Info().Str("region", region).Str("volume", vol.VolumeID).
					Str("snapshot", snap.ID).Msg("snapshot completed")
				res.Snapshots = append(res.Snapshots, snap)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	sort.Slice(res.Snapshots, func(i, j int) bool { return res.Snapshots[i].ID < res.Snapshots[j].ID })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].VolumeID < res.Failures[j].VolumeID })
	return res, nil
}

func (m *Manager) backupVolume(ctx context.Context, region string, inst awsapi.Instance, vol awsapi.VolumeAttachment) (awsapi.Snapshot, string, error) {
	desc := Description{
		Volume:   vol.VolumeID,
		Region:   region,
		Device:   vol.Device,
		Instance: inst.ID,
		Type:     inst.Type,
		Time:     m.now().UTC().Format(TimeLayout),
	}
	id, err := m.Client.CreateSnapshot(ctx, region, vol.VolumeID, desc.Encode())
	if err != nil {
		return awsapi.Snapshot{}, "", &CreateError{VolumeID: vol.VolumeID, Err: err}
	}
	m.Log.Debug().Str("snapshot", id).Str("volume", vol.VolumeID).Msg("snapshot initiated")

	tags := make(map[string]string, len(inst.Tags)+1)
	for k, v := range inst.Tags {
		tags[k] = v
	}
	tags[awsapi.SourceTag] = awsapi.SourceNative
	if err := m.Client.TagResource(ctx, region, id, tags); err != nil {
		return awsapi.Snapshot{}, id, fmt.Errorf("tag %s: %w", id, err)
	}

	state, err := m.Waiter.Wait(ctx, id, func(ctx context.Context) (string, error) {
		snap, err := m.Client.GetSnapshot(ctx, region, id)
		if err != nil {
			return "", err
		}
		return string(snap.Status), nil
	}, func(s string) bool {
		return s == string(awsapi.StatusCompleted) || s == string(awsapi.StatusError)
	}, m.WaitCeiling)
	if err != nil {
		// Timeouts leave the snapshot in place for a later retry pass.
		return awsapi.Snapshot{}, id, err
	}
	if state == string(awsapi.StatusError) {
		return awsapi.Snapshot{}, id, fmt.Errorf("snapshot %s finished with status error", id)
	}

	snap, err := m.Client.GetSnapshot(ctx, region, id)
	if err != nil {
		return awsapi.Snapshot{}, id, err
	}
	return snap, id, nil
}
