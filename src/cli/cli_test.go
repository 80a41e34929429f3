package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/backup/snapshots"
	"ebs-backup/src/report"
	"ebs-backup/src/version"
)

// swapFake replaces the provider connection with an in-memory fake for the
// duration of one test.
func swapFake(t *testing.T) *awsapi.FakeClient {
	t.Helper()
	fake := awsapi.NewFake(nil)
	orig := connectClient
	connectClient = func(ctx context.Context) (awsapi.Client, error) { return fake, nil }
	t.Cleanup(func() { connectClient = orig })
	return fake
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func decodeReport(t *testing.T, out string) report.Report {
	t.Helper()
	var rep report.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report from %q: %v", out, err)
	}
	return rep
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// pinClock fixes the planning clock for deterministic trim runs.
func pinClock(t *testing.T, now time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
}

func toolSnap(id, volume string, created time.Time) awsapi.Snapshot {
	desc := snapshots.Description{
		Volume: volume,
		Region: "us-east-1",
		Time:   created.Format(snapshots.TimeLayout),
	}
	return awsapi.Snapshot{
		ID:          id,
		VolumeID:    volume,
		Status:      awsapi.StatusCompleted,
		StartTime:   created,
		Description: desc.Encode(),
	}
}

func TestBackupCreatesAndReportsSnapshots(t *testing.T) {
	fake := swapFake(t)
	fake.AddInstance("us-east-1", awsapi.Instance{
		ID:   "i-1",
		Tags: map[string]string{"Earmarking": "production"},
		Volumes: []awsapi.VolumeAttachment{
			{VolumeID: "vol-1", Device: "/dev/sda1"},
			{VolumeID: "vol-2", Device: "/dev/sdf"},
		},
	})

	out, err := runCmd(t, "backup", "--region", "us-east-1", "--output", "json")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	rep := decodeReport(t, out)
	if rep.Selected != 1 || rep.Created != 2 || rep.Failed != 0 {
		t.Errorf("report = %+v, want 1 selected, 2 created, 0 failed", rep)
	}

	snaps, _ := fake.ListSnapshots(context.Background(), "us-east-1")
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	for _, s := range snaps {
		if s.Tags[awsapi.SourceTag] != awsapi.SourceNative {
			t.Errorf("snapshot %s source tag = %q, want native", s.ID, s.Tags[awsapi.SourceTag])
		}
	}
}

func TestBackupDryRunMakesNoChanges(t *testing.T) {
	fake := swapFake(t)
	fake.AddInstance("us-east-1", awsapi.Instance{
		ID:      "i-1",
		Tags:    map[string]string{"Earmarking": "production"},
		Volumes: []awsapi.VolumeAttachment{{VolumeID: "vol-1"}},
	})

	out, err := runCmd(t, "backup", "--region", "us-east-1", "--dry-run", "--output", "json")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	rep := decodeReport(t, out)
	if rep.Created != 0 || rep.Skipped != 1 {
		t.Errorf("report = %+v, want 0 created, 1 skipped", rep)
	}
	snaps, _ := fake.ListSnapshots(context.Background(), "us-east-1")
	if len(snaps) != 0 {
		t.Errorf("dry run created %d snapshots", len(snaps))
	}
}

func TestTrimListingFailureFailsCommand(t *testing.T) {
	fake := swapFake(t)
	fake.ListSnapshotErr = errors.New("throttled")

	out, err := runCmd(t, "trim", "--region", "us-east-1", "--output", "json")
	if err == nil {
		t.Fatal("expected the command to fail on a snapshot listing error")
	}
	rep := decodeReport(t, out)
	if rep.Failed != 1 {
		t.Errorf("report = %+v, want 1 failure", rep)
	}
}

func TestTrimDeletesBrokenAndRotatedSnapshots(t *testing.T) {
	fake := swapFake(t)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	pinClock(t, now)

	broken := toolSnap("snap-broken", "vol-1", now.Add(-3*time.Hour))
	broken.Status = awsapi.StatusError
	fake.AddSnapshot("us-east-1", broken)
	fake.AddSnapshot("us-east-1", toolSnap("snap-old", "vol-1", now.Add(-2*time.Hour)))
	fake.AddSnapshot("us-east-1", toolSnap("snap-new", "vol-1", now.Add(-30*time.Minute)))

	cfg := writeConfig(t, `
regions:
  us-east-1:
    retention:
      hourly: 1
`)
	out, err := runCmd(t, "trim", "--config", cfg, "--yes")
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if !strings.Contains(out, "status error") || !strings.Contains(out, "rotated out") {
		t.Errorf("preview missing from output:\n%s", out)
	}

	snaps, _ := fake.ListSnapshots(context.Background(), "us-east-1")
	if len(snaps) != 1 || snaps[0].ID != "snap-new" {
		t.Errorf("surviving snapshots = %v, want only snap-new", snaps)
	}
}

func TestTrimLeavesForeignSnapshotsAlone(t *testing.T) {
	fake := swapFake(t)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	pinClock(t, now)

	fake.AddSnapshot("us-east-1", awsapi.Snapshot{
		ID: "snap-ami", VolumeID: "vol-1", Status: awsapi.StatusCompleted,
		StartTime:   now.Add(-48 * time.Hour),
		Description: "Created by CreateImage(i-1) for ami-123",
	})
	fake.AddSnapshot("us-east-1", toolSnap("snap-new", "vol-1", now.Add(-30*time.Minute)))

	cfg := writeConfig(t, `
regions:
  us-east-1:
    retention:
      hourly: 1
`)
	if _, err := runCmd(t, "trim", "--config", cfg, "--yes"); err != nil {
		t.Fatalf("trim: %v", err)
	}
	snaps, _ := fake.ListSnapshots(context.Background(), "us-east-1")
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want both untouched", len(snaps))
	}
}

func TestTrimDryRunLeavesSnapshots(t *testing.T) {
	fake := swapFake(t)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	pinClock(t, now)

	fake.AddSnapshot("us-east-1", toolSnap("snap-old", "vol-1", now.Add(-48*time.Hour)))
	fake.AddSnapshot("us-east-1", toolSnap("snap-new", "vol-1", now.Add(-30*time.Minute)))

	cfg := writeConfig(t, `
regions:
  us-east-1:
    retention:
      hourly: 1
`)
	if _, err := runCmd(t, "trim", "--config", cfg, "--dry-run"); err != nil {
		t.Fatalf("trim: %v", err)
	}
	snaps, _ := fake.ListSnapshots(context.Background(), "us-east-1")
	if len(snaps) != 2 {
		t.Errorf("dry run deleted snapshots, %d left of 2", len(snaps))
	}
}

func TestReplicateCopiesLatestNativeSnapshot(t *testing.T) {
	fake := swapFake(t)
	fake.CopyPercentStep = 100
	started := time.Now().UTC().Add(-time.Hour)
	desc := snapshots.Description{
		Volume: "vol-1", Region: "us-east-1", Device: "/dev/sda1",
		Instance: "i-1", Type: "m5.large", Time: started.Format(snapshots.TimeLayout),
	}
	fake.AddSnapshot("us-east-1", awsapi.Snapshot{
		ID: "snap-src", VolumeID: "vol-1", Status: awsapi.StatusCompleted,
		StartTime: started, SizeGiB: 8, Description: desc.Encode(),
		Tags: map[string]string{awsapi.SourceTag: awsapi.SourceNative},
	})

	out, err := runCmd(t, "replicate", "--region", "us-east-1", "--dest", "us-west-2", "--output", "json")
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	rep := decodeReport(t, out)
	if rep.Selected != 1 || rep.Replicated != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v, want 1 selected, 1 replicated", rep)
	}

	copies, _ := fake.ListSnapshots(context.Background(), "us-west-2")
	if len(copies) != 1 {
		t.Fatalf("got %d copies, want 1", len(copies))
	}
	c := copies[0]
	if c.Tags[awsapi.SourceTag] != awsapi.SourceReplica {
		t.Errorf("copy source tag = %q, want replica", c.Tags[awsapi.SourceTag])
	}
	if c.Tags[awsapi.OriginSnapTag] != "snap-src" || c.Tags[awsapi.OriginRegionTag] != "us-east-1" {
		t.Errorf("copy origin tags = %v", c.Tags)
	}
}

func TestReplicateRequiresRegionFlag(t *testing.T) {
	swapFake(t)
	if _, err := runCmd(t, "replicate"); err == nil {
		t.Fatal("expected an error without --region")
	}
}

func TestReplicateRejectsSameRegion(t *testing.T) {
	swapFake(t)
	_, err := runCmd(t, "replicate", "--region", "us-east-1", "--dest", "us-east-1")
	if err == nil {
		t.Fatal("expected an error when source and destination match")
	}
}

func TestVersionPrintsVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version.Version {
		t.Errorf("version output = %q, want %q", out, version.Version)
	}
}
