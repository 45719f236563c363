package main

import (
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Commands to work with the database",
}

var dbCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Commands to cleanup the database",
}

var dbCleanAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Permanently remove alerts that were deleted a while ago",
	RunE:  runDBCleanAlerts,
}

var dbCleanSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Remove expired login sessions",
	RunE:  runDBCleanSessions,
}

var gcFlags = struct {
	dryRun    bool
	olderThan time.Duration
}{}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runDBMigrate,
}

func runDBCleanAlerts(cmd *cobra.Command, args []string) error {
	_, err := tracker.CleanupAlerts(
		time.Now().Add(-gcFlags.olderThan),
		gcFlags.dryRun,
		App().DB.WithContext(cmd.Context()),
		cmd.OutOrStdout(),
	)
	return err
}

func runDBCleanSessions(cmd *cobra.Command, args []string) error {
	_, err := tracker.CleanupSessions(
		time.Now(),
		gcFlags.dryRun,
		App().DB.WithContext(cmd.Context()),
		cmd.OutOrStdout(),
	)
	return err
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	return tracker.Migrate(App().DB)
}

func init() {
	dbCmd.PersistentFlags().BoolVarP(&gcFlags.dryRun, "dry-run", "n", false, "Only show the amount of records found")
	dbCleanAlertsCmd.Flags().DurationVar(&gcFlags.olderThan, "older-than", 30*24*time.Hour, "Only remove alerts deleted longer ago than this")

	dbCleanCmd.AddCommand(dbCleanAlertsCmd)
	dbCleanCmd.AddCommand(dbCleanSessionsCmd)
	dbCmd.AddCommand(dbCleanCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}
