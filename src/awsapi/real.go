package awsapi

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// RealClient wraps the official AWS SDK EC2 client, one per region.
type RealClient struct {
	cfg aws.Config

	mu      sync.Mutex
	clients map[string]*ec2.Client
}

// Connect loads the default AWS credential chain (environment, shared
// config, instance role) and returns a client factory over it.
func Connect(ctx context.Context) (*RealClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &RealClient{cfg: cfg, clients: map[string]*ec2.Client{}}, nil
}

func (r *RealClient) regionClient(region string) *ec2.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c
	}
	c := ec2.NewFromConfig(r.cfg, func(o *ec2.Options) { o.Region = region })
	r.clients[region] = c
	return c
}

func (r *RealClient) ListInstancesByTag(ctx context.Context, region, key, value string) ([]Instance, error) {
	client := r.regionClient(region)
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + key), Values: []string{value}},
		},
	}
	var out []Instance
	for {
		page, err := client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, mapInstance(region, inst))
			}
		}
		if page.NextToken == nil {
			break
		}
		input.NextToken = page.NextToken
	}
	return out, nil
}

func mapInstance(region string, inst types.Instance) Instance {
	mapped := Instance{
		ID:     aws.ToString(inst.InstanceId),
		Type:   string(inst.InstanceType),
		Region: region,
		Tags:   tagMap(inst.Tags),
	}
	for _, bdm := range inst.BlockDeviceMappings {
		if bdm.Ebs == nil || bdm.Ebs.VolumeId == nil {
			continue
		}
		mapped.Volumes = append(mapped.Volumes, VolumeAttachment{
			VolumeID: aws.ToString(bdm.Ebs.VolumeId),
			Device:   aws.ToString(bdm.DeviceName),
		})
	}
	return mapped
}

func (r *RealClient) ListSnapshots(ctx context.Context, region string) ([]Snapshot, error) {
	client := r.regionClient(region)
	input := &ec2.DescribeSnapshotsInput{OwnerIds: []string{"self"}}
	var out []Snapshot
	for {
		page, err := client.DescribeSnapshots(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, snap := range page.Snapshots {
			out = append(out, mapSnapshot(region, snap))
		}
		if page.NextToken == nil {
			break
		}
		input.NextToken = page.NextToken
	}
	return out, nil
}

func (r *RealClient) GetSnapshot(ctx context.Context, region, snapshotID string) (Snapshot, error) {
	client := r.regionClient(region)
	page, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		if isAPIError(err, "InvalidSnapshot.NotFound") {
			return Snapshot{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
		}
		return Snapshot{}, err
	}
	if len(page.Snapshots) == 0 {
		return Snapshot{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	return mapSnapshot(region, page.Snapshots[0]), nil
}

func (r *RealClient) CreateSnapshot(ctx context.Context, region, volumeID, description string) (string, error) {
	client := r.regionClient(region)
	out, err := client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.SnapshotId), nil
}

func (r *RealClient) CopySnapshot(ctx context.Context, srcRegion, dstRegion, snapshotID, description string, encrypted bool, kmsKeyID string) (string, error) {
	// The copy request runs against the destination region.
	client := r.regionClient(dstRegion)
	input := &ec2.CopySnapshotInput{
		SourceRegion:     aws.String(srcRegion),
		SourceSnapshotId: aws.String(snapshotID),
		Description:      aws.String(description),
	}
	if encrypted {
		input.Encrypted = aws.Bool(true)
		input.KmsKeyId = aws.String(kmsKeyID)
	}
	out, err := client.CopySnapshot(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.SnapshotId), nil
}

func (r *RealClient) CopyProgress(ctx context.Context, region, snapshotID string) (CopyProgress, error) {
	client := r.regionClient(region)
	page, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		if isAPIError(err, "InvalidSnapshot.NotFound") {
			return CopyProgress{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
		}
		return CopyProgress{}, err
	}
	if len(page.Snapshots) == 0 {
		return CopyProgress{}, &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	snap := page.Snapshots[0]
	return CopyProgress{
		Status:  mapState(snap.State),
		Percent: parsePercent(aws.ToString(snap.Progress)),
	}, nil
}

func (r *RealClient) DeleteSnapshot(ctx context.Context, region, snapshotID string) error {
	client := r.regionClient(region)
	_, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(snapshotID),
	})
	if isAPIError(err, "InvalidSnapshot.NotFound") {
		return &NotFoundError{Resource: "snapshot", ID: snapshotID}
	}
	return err
}

func (r *RealClient) TagResource(ctx context.Context, region, resourceID string, tags map[string]string) error {
	client := r.regionClient(region)
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ec2tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	_, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      ec2tags,
	})
	return err
}

func mapSnapshot(region string, snap types.Snapshot) Snapshot {
	return Snapshot{
		ID:          aws.ToString(snap.SnapshotId),
		VolumeID:    aws.ToString(snap.VolumeId),
		Region:      region,
		Description: aws.ToString(snap.Description),
		StartTime:   aws.ToTime(snap.StartTime),
		Status:      mapState(snap.State),
		SizeGiB:     aws.ToInt32(snap.VolumeSize),
		Encrypted:   aws.ToBool(snap.Encrypted),
		Tags:        tagMap(snap.Tags),
	}
}

func mapState(state types.SnapshotState) SnapshotStatus {
	switch state {
	case types.SnapshotStateCompleted:
		return StatusCompleted
	case types.SnapshotStateError:
		return StatusError
	default:
		// pending, recoverable, recovering: still in flight.
		return StatusPending
	}
}

func tagMap(tags []types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

// parsePercent parses EC2's Progress strings like "87%".
func parsePercent(s string) int {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func isAPIError(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
