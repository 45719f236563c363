package main

import (
	"fmt"
	"log/slog"

	"gitlab.com/localtalent/cve-tracker/alerts"
	"gitlab.com/localtalent/cve-tracker/importer"
	"gitlab.com/localtalent/cve-tracker/jobs"
	"gitlab.com/localtalent/cve-tracker/mail"
	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/web"
)

// services are the long-lived handles shared by the commands.
type services struct {
	Service *tracker.Service
	Runner  *jobs.Runner
	Hub     *web.Hub
}

func (a app) services() (*services, error) {
	scorer, err := alerts.NewExprScorer(a.Config.Scoring.ThreatRule)
	if err != nil {
		return nil, fmt.Errorf("invalid threat rule: %w", err)
	}

	svc := tracker.NewService(a.DB,
		tracker.WithSessionTTL(a.Config.HTTP.SessionTTL.Duration),
		tracker.WithThreatScorer(scorer),
	)
	hub := web.NewHub()

	dispatchOpts := []alerts.DispatcherOption{
		alerts.WithPublisher(hub),
		alerts.WithScorer(scorer),
	}
	if a.Config.Mail.Disabled {
		slog.Warn("alert mail is disabled")
	} else {
		mailer, err := mail.NewMailer(a.Config.Mail)
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, alerts.WithMailer(mailer))
	}

	engine := alerts.NewEngine(a.DB, alerts.NewDispatcher(svc, dispatchOpts...))
	client := importer.NewClient(a.Config.NVD, slog.Default().With("component", "nvd"))
	syncer := importer.NewSyncer(a.DB, client, a.Config.NVD, importer.WithReconciler(engine))

	runner := jobs.NewRunner(tracker.NewProgress(a.DB))
	jobs.RegisterTasks(runner, jobs.Deps{
		DB:       a.DB,
		Syncer:   syncer,
		Engine:   engine,
		Service:  svc,
		Vulnrich: a.Config.Vulnrich,
	})
	svc.SetScanner(jobs.NewScanner(runner))

	return &services{Service: svc, Runner: runner, Hub: hub}, nil
}
