package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gitlab.com/localtalent/cve-tracker/jobs"
	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the job queues and the scheduler",
	RunE:  runServe,
}

var serveFlags = struct {
	noSchedule bool
}{}

func runServe(cmd *cobra.Command, args []string) error {
	if err := tracker.Migrate(App().DB); err != nil {
		return err
	}

	s, err := App().services()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.Runner.Start(ctx)
	defer s.Runner.Close()

	if !serveFlags.noSchedule {
		scheduler := jobs.NewScheduler(s.Runner)
		if err := jobs.ScheduleTasks(scheduler, App().Config.Schedule); err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
		}()
	}

	server := web.New(s.Service, s.Runner, s.Hub, App().Config.HTTP)
	err = server.ListenAndServe(ctx)
	slog.Info("shutting down")
	return err
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.noSchedule, "no-schedule", false, "Do not run the periodic updates")
	rootCmd.AddCommand(serveCmd)
}
