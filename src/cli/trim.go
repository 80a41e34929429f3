package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ebs-backup/src/awsapi"
)

func newTrimCmd(stdout, stderr io.Writer) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Prune old snapshots under the multi-tier retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newRunEnv(cmd, stdout, stderr)
			if err != nil {
				return err
			}
			regions, err := regionsOrAll(env.cfg, region)
			if err != nil {
				return err
			}
			rep, runErr := runTrim(cmdContext(cmd), env, regions)
			if err := emitReport(cmd, stdout, rep); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Trim only this region (default: all configured)")
	return cmd
}

func renderTrimPreview(w io.Writer, region string, broken, doomed []awsapi.Snapshot) {
	if len(broken)+len(doomed) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSNAPSHOT\tVOLUME\tSTARTED\tREASON\tACTION")
	for _, s := range broken {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\tstatus error\tdelete\n", region, s.ID, s.VolumeID, startedAt(s))
	}
	for _, s := range doomed {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\trotated out\tdelete\n", region, s.ID, s.VolumeID, startedAt(s))
	}
	_ = tw.Flush()
}

func startedAt(s awsapi.Snapshot) string {
	if s.StartTime.IsZero() {
		return "-"
	}
	return s.StartTime.UTC().Format("2006-01-02T15:04:05Z")
}
