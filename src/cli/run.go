package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/backup/replicate"
	"ebs-backup/src/backup/retention"
	"ebs-backup/src/backup/snapshots"
	"ebs-backup/src/config"
	"ebs-backup/src/report"
	"ebs-backup/src/safety"
	"ebs-backup/src/selector"
)

// runEnv bundles everything a command pass needs. Built once per
// invocation; the configuration inside is immutable.
type runEnv struct {
	client awsapi.Client
	cfg    *config.Config
	log    zerolog.Logger
	opts   safety.Options
	stdin  io.Reader
	stdout io.Writer
}

func newRunEnv(cmd *cobra.Command, stdout, stderr io.Writer) (*runEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	client, err := connectClient(cmdContext(cmd))
	if err != nil {
		return nil, err
	}
	return &runEnv{
		client: client,
		cfg:    cfg,
		log:    newLogger(cmd, stderr),
		opts:   getSafetyOptions(cmd),
		stdin:  cmd.InOrStdin(),
		stdout: stdout,
	}, nil
}

// regionsOrAll resolves the region argument: an explicit flag names one
// region, otherwise every configured region is processed.
func regionsOrAll(cfg *config.Config, region string) ([]string, error) {
	if region != "" {
		return []string{region}, nil
	}
	names := cfg.RegionNames()
	if len(names) == 0 {
		return nil, errors.New("no regions configured; pass --region or add a regions block to the config")
	}
	return names, nil
}

// runBackup snapshots every volume of every tagged instance in the given
// regions. Per-resource failures land in the report; only a failed
// instance lookup fails the command itself.
func runBackup(ctx context.Context, env *runEnv, regions []string) (*report.Report, error) {
	rep := report.New("backup")
	var cmdErr error
	for _, region := range regions {
		rep.AddRegion(region)
		settings := env.cfg.ForRegion(region)

		sel := selector.Selector{Client: env.client, Log: env.log}
		instances, err := sel.Select(ctx, region, settings.TagKey, settings.TagValue)
		if err != nil {
			rep.Fail(region, "instance lookup", err)
			if cmdErr == nil {
				cmdErr = err
			}
			continue
		}
		rep.Selected += len(instances)

		if env.opts.DryRun {
			for _, inst := range instances {
				for _, vol := range inst.Volumes {
					env.log.Info().Str("region", region).Str("instance", inst.ID).
						Str("volume", vol.VolumeID).Msg("dry-run: would snapshot")
					rep.Skipped++
				}
			}
			continue
		}

		mgr := &snapshots.Manager{
			Client:      env.client,
			Log:         env.log,
			WaitCeiling: settings.SnapWait,
			Concurrency: settings.Concurrency,
		}
		res, err := mgr.Backup(ctx, region, instances)
		if err != nil {
			return rep, err
		}
		rep.Created += len(res.Snapshots)
		for _, f := range res.Failures {
			rep.Fail(region, f.VolumeID, f.Err)
		}
	}
	return rep, cmdErr
}

// runTrim prunes each region's snapshot set: broken snapshots first, then
// the retention plan's overflow. The listing is taken once per region so
// the planner sees a consistent view.
func runTrim(ctx context.Context, env *runEnv, regions []string) (*report.Report, error) {
	rep := report.New("trim")
	var cmdErr error
	for _, region := range regions {
		rep.AddRegion(region)
		settings := env.cfg.ForRegion(region)

		listing, err := env.client.ListSnapshots(ctx, region)
		if err != nil {
			lerr := &selector.LookupError{Region: region, Err: err}
			rep.Fail(region, "snapshot listing", lerr)
			if cmdErr == nil {
				cmdErr = lerr
			}
			continue
		}

		var broken, healthy []awsapi.Snapshot
		for _, snap := range listing {
			if snap.Status == awsapi.StatusError {
				broken = append(broken, snap)
			} else {
				healthy = append(healthy, snap)
			}
		}

		plan := retention.PlanRegion(healthy, retention.Tiers(settings.Retention), timeNow().UTC())
		if n := len(plan.Foreign); n > 0 {
			env.log.Debug().Str("region", region).Int("count", n).
				Msg("ignoring snapshots not created by this tool")
		}
		rep.Ambiguous += len(plan.Ambiguous)
		for _, snap := range plan.Ambiguous {
			env.log.Warn().Str("region", region).Str("snapshot", snap.ID).
				Msg("unusable creation timestamp, excluded from pruning")
		}

		renderTrimPreview(env.stdout, region, broken, plan.Delete)
		total := len(broken) + len(plan.Delete)
		if total == 0 {
			continue
		}
		if env.opts.DryRun {
			rep.Skipped += total
			continue
		}
		ok, err := safety.Confirm(env.opts, env.stdin, env.stdout,
			fmt.Sprintf("Delete %d snapshots in %s?", total, region))
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Skipped += total
			continue
		}

		for _, snap := range broken {
			switch err := env.client.DeleteSnapshot(ctx, region, snap.ID); {
			case err == nil:
				rep.Broken++
				env.log.Info().Str("region", region).Str("snapshot", snap.ID).Msg("deleted broken snapshot")
			case isNotFound(err):
				rep.Skipped++
			default:
				rep.Fail(region, snap.ID, err)
			}
		}
		for _, snap := range plan.Delete {
			switch err := env.client.DeleteSnapshot(ctx, region, snap.ID); {
			case err == nil:
				rep.Deleted++
				env.log.Info().Str("region", region).Str("snapshot", snap.ID).
					Time("started", snap.StartTime).Msg("trimmed")
			case isNotFound(err):
				rep.Skipped++
			default:
				rep.Fail(region, snap.ID, err)
			}
		}
	}
	return rep, cmdErr
}

// runReplicate copies the latest native snapshot of every volume in the
// source region to the destination region and waits on each copy.
func runReplicate(ctx context.Context, env *runEnv, srcRegion, dstRegion string) (*report.Report, error) {
	rep := report.New("replicate")
	rep.AddRegion(srcRegion)

	settings := env.cfg.ForRegion(srcRegion)
	if dstRegion == "" {
		dstRegion = settings.ReplicateTo
	}
	if dstRegion == "" {
		return rep, fmt.Errorf("no destination region: pass --dest or set replicate_to for %s", srcRegion)
	}
	if dstRegion == srcRegion {
		return rep, fmt.Errorf("destination region equals source region %s", srcRegion)
	}
	rep.AddRegion(dstRegion)

	srcSnaps, err := env.client.ListSnapshots(ctx, srcRegion)
	if err != nil {
		lerr := &selector.LookupError{Region: srcRegion, Err: err}
		rep.Fail(srcRegion, "snapshot listing", lerr)
		return rep, lerr
	}
	dstSnaps, err := env.client.ListSnapshots(ctx, dstRegion)
	if err != nil {
		lerr := &selector.LookupError{Region: dstRegion, Err: err}
		rep.Fail(dstRegion, "snapshot listing", lerr)
		return rep, lerr
	}

	coord := &replicate.Coordinator{
		Client:     env.client,
		Log:        env.log,
		SpeedGiBps: settings.ReplicationSpeed,
		Grace:      settings.Grace,
		MinElapsed: settings.DetachWait,
		NativeOnly: settings.NativeOnly,
		KMSKeyID:   env.cfg.ForRegion(dstRegion).KMSKeyID,
	}
	candidates := coord.Candidates(srcSnaps, dstSnaps)
	rep.Selected = len(candidates)

	if env.opts.DryRun {
		for _, snap := range candidates {
			env.log.Info().Str("snapshot", snap.ID).Str("from", srcRegion).
				Str("to", dstRegion).Msg("dry-run: would replicate")
			rep.Skipped++
		}
		return rep, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.Concurrency)
	var mu sync.Mutex
	for _, snap := range candidates {
		snap := snap
		g.Go(func() error {
			job, err := coord.Replicate(gctx, snap, dstRegion)
			if err == nil {
				_, err = coord.Await(gctx, job)
			}
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Replicated++
			default:
				var stall *replicate.StallError
				if errors.As(err, &stall) {
					rep.Stalled++
				}
				rep.Fail(srcRegion, snap.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	return rep, nil
}

func isNotFound(err error) bool {
	var nf *awsapi.NotFoundError
	return errors.As(err, &nf)
}
