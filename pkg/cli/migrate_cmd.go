package cli

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"report-stream/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var (
		driver string
		dsn    string
		to     int64
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Install or upgrade the report procedure",
		Long: `Applies the embedded migrations that create the report procedure.
Only postgres and mysql keep the procedure in the database; duckdb and sqlite
need no migration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			d, err := db.DialectFor(driver)
			if err != nil {
				return err
			}
			conn, err := sql.Open(d.DriverName, dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer conn.Close() //nolint:errcheck

			if err := db.RunMigrations(conn, d, to); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"driver":  d.Name,
					"version": to,
					"status":  "migrated",
				})
			}
			target := "latest"
			if to > 0 {
				target = fmt.Sprintf("version %d", to)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s to %s\n", d.Name, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "postgres", "Database driver (postgres, mysql)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Data source name")
	cmd.Flags().Int64Var(&to, "to", 0, "Target migration version (0 = latest)")
	return cmd
}
