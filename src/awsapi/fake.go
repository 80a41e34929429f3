package awsapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type fakeSnapshot struct {
	Snapshot

	pollsLeft   int
	finalStatus SnapshotStatus
	percent     int
	percentStep int
}

// FakeClient is an in-memory implementation for unit tests.
type FakeClient struct {
	mu    sync.Mutex
	clock func() time.Time
	seq   int

	instances map[string][]Instance
	snaps     map[string]map[string]*fakeSnapshot

	// Behavior knobs, all optional.
	CreateErrs       map[string]error // volumeID -> CreateSnapshot error
	FailVolumes      map[string]bool  // volumeID -> snapshot ends in error status
	VolumeSizes      map[string]int32 // volumeID -> size GiB (default 8)
	EncryptedVolumes map[string]bool  // volumeID -> snapshots are encrypted
	PollsUntilDone   int              // GetSnapshot calls before a new snapshot turns terminal
	CopyPercentStep  int              // percent gained per CopyProgress call; 0 leaves copies stuck
	ListInstanceErrs []error          // consumed one per ListInstancesByTag call
	ListSnapshotErr  error
}

// NewFake returns an empty fake provider. A nil clock uses time.Now.
func NewFake(clock func() time.Time) *FakeClient {
	if clock == nil {
		clock = time.Now
	}
	return &FakeClient{
		clock:     clock,
		instances: map[string][]Instance{},
		snaps:     map[string]map[string]*fakeSnapshot{},
	}
}

// AddInstance seeds an instance into a region.
func (f *FakeClient) AddInstance(region string, inst Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst.Region = region
	f.instances[region] = append(f.instances[region], inst)
}

// AddSnapshot seeds a snapshot into a region as-is (already terminal).
func (f *FakeClient) AddSnapshot(region string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap.Region = region
	if snap.Tags == nil {
		snap.Tags = map[string]string{}
	}
	f.regionSnaps(region)[snap.ID] = &fakeSnapshot{Snapshot: snap, finalStatus: snap.Status}
}

func (f *FakeClient) regionSnaps(region string) map[string]*fakeSnapshot {
	m, ok := f.snaps[region]
	if !ok {
		m = map[string]*fakeSnapshot{}
		f.snaps[region] = m
	}
	return m
}

func (f *FakeClient) ListInstancesByTag(ctx context.Context, region, key, value string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ListInstanceErrs) > 0 {
		err := f.ListInstanceErrs[0]
		f.ListInstanceErrs = f.ListInstanceErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []Instance
	for _, inst := range f.instances[region] {
		if inst.Tags[key] == value {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *FakeClient) ListSnapshots(ctx context.Context, region string) ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListSnapshotErr != nil {
		return nil, f.ListSnapshotErr
	}
	snaps := f.regionSnaps(region)
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, copySnap(s.Snapshot))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) GetSnapshot(ctx context.Context, region, snapshotID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.regionSnaps(region)[snapshotID]
	if !ok {
		return Snapshot{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	if s.Status == StatusPending && s.pollsLeft > 0 {
		s.pollsLeft--
		if s.pollsLeft == 0 {
			s.Status = s.finalStatus
		}
	}
	return copySnap(s.Snapshot), nil
}

func (f *FakeClient) CreateSnapshot(ctx context.Context, region, volumeID, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CreateErrs[volumeID]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("snap-%06d", f.seq)
	size := int32(8)
	if s, ok := f.VolumeSizes[volumeID]; ok {
		size = s
	}
	final := StatusCompleted
	if f.FailVolumes[volumeID] {
		final = StatusError
	}
	snap := &fakeSnapshot{
		Snapshot: Snapshot{
			ID:          id,
			VolumeID:    volumeID,
			Region:      region,
			Description: description,
			StartTime:   f.clock(),
			Status:      StatusPending,
			SizeGiB:     size,
			Encrypted:   f.EncryptedVolumes[volumeID],
			Tags:        map[string]string{},
		},
		pollsLeft:   f.PollsUntilDone,
		finalStatus: final,
	}
	if snap.pollsLeft == 0 {
		snap.Status = final
	}
	f.regionSnaps(region)[id] = snap
	return id, nil
}

func (f *FakeClient) CopySnapshot(ctx context.Context, srcRegion, dstRegion, snapshotID, description string, encrypted bool, kmsKeyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.regionSnaps(srcRegion)[snapshotID]
	if !ok {
		return "", &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	if encrypted && kmsKeyID == "" {
		return "", fmt.Errorf("copy %s: encrypted copy requires a KMS key", snapshotID)
	}
	f.seq++
	id := fmt.Sprintf("snap-%06d", f.seq)
	snap := &fakeSnapshot{
		Snapshot: Snapshot{
			ID:          id,
			VolumeID:    "vol-ffffffff", // the provider does not echo the source volume on copies
			Region:      dstRegion,
			Description: description,
			StartTime:   f.clock(),
			Status:      StatusPending,
			SizeGiB:     src.SizeGiB,
			Encrypted:   encrypted || src.Encrypted,
			Tags:        map[string]string{},
		},
		finalStatus: StatusCompleted,
		percentStep: f.CopyPercentStep,
	}
	if snap.percentStep >= 100 {
		snap.percent = 100
		snap.Status = StatusCompleted
	}
	f.regionSnaps(dstRegion)[id] = snap
	return id, nil
}

func (f *FakeClient) CopyProgress(ctx context.Context, region, snapshotID string) (CopyProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.regionSnaps(region)[snapshotID]
	if !ok {
		return CopyProgress{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	if s.Status == StatusPending {
		s.percent += s.percentStep
		if s.percent >= 100 {
			s.percent = 100
			s.Status = StatusCompleted
		}
	}
	return CopyProgress{Status: s.Status, Percent: s.percent}, nil
}

func (f *FakeClient) DeleteSnapshot(ctx context.Context, region, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.regionSnaps(region)
	if _, ok := snaps[snapshotID]; !ok {
		return &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	delete(snaps, snapshotID)
	return nil
}

func (f *FakeClient) TagResource(ctx context.Context, region, resourceID string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.regionSnaps(region)[resourceID]; ok {
		for k, v := range tags {
			s.Tags[k] = v
		}
		return nil
	}
	for i, inst := range f.instances[region] {
		if inst.ID == resourceID {
			if inst.Tags == nil {
				f.instances[region][i].Tags = map[string]string{}
			}
			for k, v := range tags {
				f.instances[region][i].Tags[k] = v
			}
			return nil
		}
	}
	return &NotFoundError{Resource: "resource", ID: resourceID}
}

func copySnap(s Snapshot) Snapshot {
	tags := make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		tags[k] = v
	}
	s.Tags = tags
	return s
}
