package migrate

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/cmd/cmdutil"
	"github.com/mpapenbr/zenride/pkg/config"
	"github.com/mpapenbr/zenride/pkg/db/migrate"
)

var dropAll bool

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "performs database migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startMigration(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&dropAll, "drop-all", false,
		"revert all migrations instead of applying them")
	return cmd
}

func startMigration(ctx context.Context) error {
	cmdutil.SetupLogger()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cmdutil.WaitForDB(ctx); err != nil {
		log.Error("database not ready", log.ErrorField(err))
		return err
	}
	if dropAll {
		log.Info("Reverting all migrations")
		return migrate.DropAll(config.DB)
	}
	if err := migrate.MigrateDb(config.DB); err != nil {
		return err
	}
	log.Info("Database is up to date")
	return nil
}
