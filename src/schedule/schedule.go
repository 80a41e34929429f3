// Package schedule runs the backup, trim, and replicate passes on cron
// expressions for installations without an external scheduler.
package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled pass.
type Job struct {
	Name string
	Spec string // standard 5-field cron expression
	Run  func(ctx context.Context)
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

// Run registers the jobs and blocks until the context is cancelled, then
// waits for running jobs to finish. A pass that is still running when its
// next tick fires is skipped, not stacked.
func Run(ctx context.Context, log zerolog.Logger, jobs []Job) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})))
	registered := 0
	for _, job := range jobs {
		if job.Spec == "" {
			continue
		}
		job := job
		_, err := c.AddFunc(job.Spec, func() {
			log.Info().Str("job", job.Name).Msg("scheduled run starting")
			job.Run(ctx)
			log.Info().Str("job", job.Name).Msg("scheduled run finished")
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
		log.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no schedules configured")
	}
	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return nil
}
