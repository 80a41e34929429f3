package cli

import (
	"io"

	"github.com/spf13/cobra"
)

func newBackupCmd(stdout, stderr io.Writer) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot every volume of instances carrying the backup tag",
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
			rep, runErr := runBackup(cmdContext(cmd), env, regions)
			if err := emitReport(cmd, stdout, rep); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Back up only this region (default: all configured)")
	return cmd
}
