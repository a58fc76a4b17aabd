package main

import (
	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down|status|version|force|baseline> [version]",
	Short: "Manage the database schema",
	Long: `migrate applies or rolls back schema migrations.

  up                 apply every pending migration
  down               roll back one migration
  status             print the current and latest versions
  version <n>        migrate up or down to version n
  force <n>          mark the schema as version n after a failed migration
  baseline <n>       record version n for a database created outside migrate`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.OpenDB(rootFlags.dbPath)
		if err != nil {
			return err
		}
		defer database.Close()
		return db.RunMigrate(database, db.MigrationsFS(), args[0], args[1:], cmd.OutOrStdout())
	},
}
