package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"ebs-backup/src/report"
	"ebs-backup/src/schedule"
)

func newDaemonCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run backup, trim, and replicate on the configured cron schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newRunEnv(cmd, stdout, stderr)
			if err != nil {
				return err
			}
			regions, err := regionsOrAll(env.cfg, "")
			if err != nil {
				return err
			}

			// Distinct jobs can fire at the same time; serialize emission
			// so their reports do not interleave on stdout.
			var emitMu sync.Mutex
			emit := func(rep *report.Report, err error) {
				emitMu.Lock()
				defer emitMu.Unlock()
				if err != nil {
					env.log.Error().Str("command", rep.Command).Err(err).Msg("scheduled pass failed")
				}
				if rerr := emitReport(cmd, stdout, rep); rerr != nil {
					env.log.Error().Err(rerr).Msg("report rendering failed")
				}
			}

			jobs := []schedule.Job{
				{Name: "backup", Spec: env.cfg.Schedules.Backup, Run: func(ctx context.Context) {
					emit(runBackup(ctx, env, regions))
				}},
				{Name: "trim", Spec: env.cfg.Schedules.Trim, Run: func(ctx context.Context) {
					emit(runTrim(ctx, env, regions))
				}},
				{Name: "replicate", Spec: env.cfg.Schedules.Replicate, Run: func(ctx context.Context) {
					for _, region := range regions {
						if env.cfg.ForRegion(region).ReplicateTo == "" {
							continue
						}
						emit(runReplicate(ctx, env, region, ""))
					}
				}},
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return schedule.Run(ctx, env.log, jobs)
		},
	}
	return cmd
}
