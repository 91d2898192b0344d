package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-idempokit/internal/bootstrap"
	"github.com/imrishuroy/go-idempokit/internal/config"
	"github.com/imrishuroy/go-idempokit/internal/storage/sqlstore"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL schema for the postgres or sqlite adapter",
		Long: `Apply the embedded idempotency and audit migrations. Migrations are
repeatable, so running the command twice is safe.

Examples:
  idemctl migrate --config ./idemctl.yaml
  IDEMPOTENCY_ADAPTER=postgres DATABASE_URL=postgres://... idemctl migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if !cfg.IsSQL() {
				return fmt.Errorf("adapter %q has no schema to migrate", cfg.Adapter)
			}
			db, dialect, err := bootstrap.OpenSQL(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s schema\n", dialect)
			return nil
		},
	}
}
