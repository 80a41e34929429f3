package awsapi

import (
	"context"
	"time"
)

// Tag keys used for selection and provenance tracking. Tags on the
// provider's resources are the only durable state this tool keeps.
const (
	SourceTag       = "source"
	SourceNative    = "native"
	SourceReplica   = "replica"
	OriginSnapTag   = "origin_snapshot"
	OriginRegionTag = "origin_region"
	PreserveTag     = "preserve_snapshot"
)

// SnapshotStatus is the provider-side lifecycle state of a snapshot.
type SnapshotStatus string

const (
	StatusPending   SnapshotStatus = "pending"
	StatusCompleted SnapshotStatus = "completed"
	StatusError     SnapshotStatus = "error"
)

// VolumeAttachment is one EBS volume attached to an instance.
type VolumeAttachment struct {
	VolumeID string
	Device   string
}

// Instance is the subset of EC2 instance metadata the backup pass needs.
type Instance struct {
	ID      string
	Type    string
	Region  string
	Volumes []VolumeAttachment
	Tags    map[string]string
}

// Snapshot models an EBS snapshot in a region.
type Snapshot struct {
	ID          string
	VolumeID    string
	Region      string
	Description string
	StartTime   time.Time
	Status      SnapshotStatus
	SizeGiB     int32
	Encrypted   bool
	Tags        map[string]string
}

// CopyProgress reports how far a cross-region snapshot copy has come.
// EC2 reports percent complete; callers derive bytes from the source size.
type CopyProgress struct {
	Status  SnapshotStatus
	Percent int
}

// Client is a narrow interface over the EC2 API used by our app.
// Keep it small and focused on what we actually need so it stays mockable.
type Client interface {
	// ListInstancesByTag returns all instances in region carrying the
	// tag key/value pair, following pagination transparently.
	ListInstancesByTag(ctx context.Context, region, key, value string) ([]Instance, error)

	// ListSnapshots returns all snapshots owned by this account in region.
	ListSnapshots(ctx context.Context, region string) ([]Snapshot, error)

	// GetSnapshot fetches a single snapshot's current state.
	GetSnapshot(ctx context.Context, region, snapshotID string) (Snapshot, error)

	// CreateSnapshot starts a snapshot of the volume and returns its id.
	CreateSnapshot(ctx context.Context, region, volumeID, description string) (string, error)

	// CopySnapshot starts a cross-region copy and returns the new
	// snapshot id in the destination region. Encrypted sources must name
	// a kmsKeyID valid in the destination region.
	CopySnapshot(ctx context.Context, srcRegion, dstRegion, snapshotID, description string, encrypted bool, kmsKeyID string) (string, error)

	// CopyProgress reports the state of an in-flight copy (the
	// destination snapshot).
	CopyProgress(ctx context.Context, region, snapshotID string) (CopyProgress, error)

	// DeleteSnapshot removes a snapshot; returns NotFoundError if it is
	// already gone.
	DeleteSnapshot(ctx context.Context, region, snapshotID string) error

	// TagResource sets tags on a resource, overwriting existing keys.
	TagResource(ctx context.Context, region, resourceID string, tags map[string]string) error
}

// NotFoundError reports a resource that does not exist (any more).
type NotFoundError struct{ Resource, ID string }

func (e *NotFoundError) Error() string { return e.Resource + " not found: " + e.ID }
