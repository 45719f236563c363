package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"gitlab.com/localtalent/cve-tracker/jobs"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Commands to synchronize with the NVD",
}

var syncLoadCmd = &cobra.Command{
	Use:       "load [cves|cpes|cpematch|all]",
	Short:     "Run a full load of one feed, or of all three in order",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"cves", "cpes", "cpematch", "all"},
	RunE:      runSyncLoad,
}

var syncUpdateCmd = &cobra.Command{
	Use:       "update <cves|cpes|cpematch>",
	Short:     "Fetch the records modified since the last run",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"cves", "cpes", "cpematch"},
	RunE:      runSyncUpdate,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of the sync jobs",
	RunE:  runSyncStatus,
}

var loadTasks = map[string]string{
	"cves":     jobs.TaskCVELoad,
	"cpes":     jobs.TaskCPELoad,
	"cpematch": jobs.TaskMatchLoad,
	"all":      jobs.TaskInitialLoad,
}

var updateTasks = map[string]string{
	"cves":     jobs.TaskCVEUpdate,
	"cpes":     jobs.TaskCPEUpdate,
	"cpematch": jobs.TaskMatchUpdate,
}

func runSyncLoad(cmd *cobra.Command, args []string) error {
	feed := "all"
	if len(args) == 1 {
		feed = args[0]
	}
	task, ok := loadTasks[feed]
	if !ok {
		return cmd.Usage()
	}
	return runTask(cmd, task)
}

func runSyncUpdate(cmd *cobra.Command, args []string) error {
	task, ok := updateTasks[args[0]]
	if !ok {
		return cmd.Usage()
	}
	return runTask(cmd, task)
}

// runTask runs a task in the foreground and prints its status.
func runTask(cmd *cobra.Command, task string, args ...string) error {
	if err := tracker.Migrate(App().DB); err != nil {
		return err
	}
	s, err := App().services()
	if err != nil {
		return err
	}

	status, err := s.Runner.Run(cmd.Context(), task, args...)
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return err
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	rows, err := tracker.NewProgress(App().DB).All(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Job", "Progress", "Last Update"})
	for _, job := range rows {
		progress := strconv.Itoa(job.Percent) + "%"
		if job.Percent == tracker.PercentFailed {
			progress = "failed"
		}
		table.Append([]string{
			job.Name,
			progress,
			fmt.Sprintf("%s (%s)", job.LastUpdate.Format("2006-01-02 15:04"), humanize.Time(job.LastUpdate)),
		})
	}
	table.Render()
	return nil
}

func init() {
	syncCmd.AddCommand(syncLoadCmd)
	syncCmd.AddCommand(syncUpdateCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
