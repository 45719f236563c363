package main

import (
	"github.com/spf13/cobra"

	"gitlab.com/localtalent/cve-tracker/jobs"
)

var vulnrichmentCmd = &cobra.Command{
	Use:   "import-vulnrich",
	Short: "Import the CISA vulnrichment SSVC decisions",
	RunE:  runImportVulnrichment,
}

func runImportVulnrichment(cmd *cobra.Command, args []string) error {
	return runTask(cmd, jobs.TaskVulnrichLoad)
}

func init() {
	rootCmd.AddCommand(vulnrichmentCmd)
}
