package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewReapCommand creates the reap command.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete records whose retention has elapsed",
		Long: `Run one explicit sweep of expired records. Adapters with native
expiry (redis, dynamodb) report zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := rootOpts.runtime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			n, err := rt.Engine.Reap(ctx)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"adapter": rt.Config.Adapter,
					"reaped":  n,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d expired records\n", n)
			return nil
		},
	}
}
