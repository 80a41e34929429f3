package cli

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
)

func newReplicateCmd(stdout, stderr io.Writer) *cobra.Command {
	var region, dest string
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Copy the latest native snapshots into a backup region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if region == "" {
				return errors.New("--region is required")
			}
			env, err := newRunEnv(cmd, stdout, stderr)
			if err != nil {
				return err
			}
			rep, runErr := runReplicate(cmdContext(cmd), env, region, dest)
			if err := emitReport(cmd, stdout, rep); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Source region (required)")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination region (default: the source region's replicate_to)")
	return cmd
}
