package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/poll"
)

func testManager(fake *awsapi.FakeClient) *Manager {
	return &Manager{
		Client:      fake,
		Waiter:      poll.Waiter{Initial: time.Millisecond, Step: time.Millisecond, Max: 2 * time.Millisecond},
		WaitCeiling: time.Second,
		Concurrency: 2,
	}
}

func prodInstance(id string, vols ...string) awsapi.Instance {
	inst := awsapi.Instance{
		ID:   id,
		Type: "m5.large",
		Tags: map[string]string{"Earmarking": "production", "Name": id},
	}
	for _, v := range vols {
		inst.Volumes = append(inst.Volumes, awsapi.VolumeAttachment{VolumeID: v, Device: "/dev/sdf"})
	}
	return inst
}

func TestBackupCreatesAndTagsSnapshots(t *testing.T) {
	fake := awsapi.NewFake(nil)
	fake.PollsUntilDone = 2

	res, err := testManager(fake).Backup(context.Background(), "us-east-1",
		[]awsapi.Instance{prodInstance("i-1", "vol-1", "vol-2")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("failures: %v", res.Failures)
	}
	if len(res.Snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(res.Snapshots))
	}
	for _, snap := range res.Snapshots {
		if snap.Status != awsapi.StatusCompleted {
			t.Errorf("%s status = %s", snap.ID, snap.Status)
		}
		if snap.Tags[awsapi.SourceTag] != awsapi.SourceNative {
			t.Errorf("%s missing source=native tag, got %v", snap.ID, snap.Tags)
		}
		if snap.Tags["Earmarking"] != "production" {
			t.Errorf("%s instance tags not cloned: %v", snap.ID, snap.Tags)
		}
		d, ok := ParseDescription(snap.Description)
		if !ok {
			t.Fatalf("%s description unparsable: %q", snap.ID, snap.Description)
		}
		if d.Region != "us-east-1" || d.Instance != "i-1" {
			t.Errorf("description = %+v", d)
		}
	}
}

func TestBackupPartialFailureIsolation(t *testing.T) {
	fake := awsapi.NewFake(nil)
	fake.CreateErrs = map[string]error{"vol-2": errors.New("volume busy")}

	res, err := testManager(fake).Backup(context.Background(), "us-east-1",
		[]awsapi.Instance{prodInstance("i-1", "vol-1", "vol-2", "vol-3")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snapshots) != 2 {
		t.Errorf("got %d completed snapshots, want 2", len(res.Snapshots))
	}
	if len(res.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(res.Failures))
	}
	f := res.Failures[0]
	if f.VolumeID != "vol-2" {
		t.Errorf("failure volume = %s", f.VolumeID)
	}
	var ce *CreateError
	if !errors.As(f.Err, &ce) {
		t.Errorf("failure err = %v, want CreateError", f.Err)
	}
}

func TestBackupReportsErrorStatus(t *testing.T) {
	fake := awsapi.NewFake(nil)
	fake.PollsUntilDone = 1
	fake.FailVolumes = map[string]bool{"vol-1": true}

	res, err := testManager(fake).Backup(context.Background(), "us-east-1",
		[]awsapi.Instance{prodInstance("i-1", "vol-1", "vol-2")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snapshots) != 1 || res.Snapshots[0].VolumeID != "vol-2" {
		t.Errorf("snapshots = %v", res.Snapshots)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("failures = %v", res.Failures)
	}
	if res.Failures[0].SnapshotID == "" {
		t.Error("errored snapshot id should be recorded for the retry pass")
	}
}

func TestBackupTimeoutReported(t *testing.T) {
	fake := awsapi.NewFake(nil)
	fake.PollsUntilDone = 1000 // never completes within the ceiling

	m := testManager(fake)
	m.WaitCeiling = 5 * time.Millisecond

	res, err := m.Backup(context.Background(), "us-east-1",
		[]awsapi.Instance{prodInstance("i-1", "vol-1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("failures = %v", res.Failures)
	}
	var te *poll.TimeoutError
	if !errors.As(res.Failures[0].Err, &te) {
		t.Fatalf("err = %v, want TimeoutError", res.Failures[0].Err)
	}
	// The snapshot is left in place, not deleted.
	if _, err := fake.GetSnapshot(context.Background(), "us-east-1", res.Failures[0].SnapshotID); err != nil {
		t.Errorf("timed-out snapshot should still exist: %v", err)
	}
}

func TestDescriptionRoundTrip(t *testing.T) {
	d := Description{Volume: "vol-1", Region: "us-east-1", Instance: "i-1", Time: time.Now().UTC().Format(TimeLayout)}
	got, ok := ParseDescription(d.Encode())
	if !ok || got.Volume != "vol-1" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
	if got.CreatedAt().IsZero() {
		t.Error("timestamp should parse")
	}
	if _, ok := ParseDescription("manually created snapshot"); ok {
		t.Error("free-text description should not parse")
	}
}
