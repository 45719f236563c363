package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/alerts"
	"gitlab.com/localtalent/cve-tracker/importer"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

const (
	TaskCVELoad       = tracker.JobCVELoad
	TaskCPELoad       = tracker.JobCPELoad
	TaskMatchLoad     = tracker.JobMatchLoad
	TaskInitialLoad   = "initial_load"
	TaskCVEUpdate     = "cve_update"
	TaskCPEUpdate     = "cpe_update"
	TaskMatchUpdate   = "match_update"
	TaskScanProduct   = "scan_product"
	TaskVulnrichLoad  = "vulnrich_load"
	TaskPurgeSessions = "purge_sessions"
)

// Deps are the services the tasks run against.
type Deps struct {
	DB       *gorm.DB
	Syncer   *importer.Syncer
	Engine   *alerts.Engine
	Service  *tracker.Service
	Vulnrich tracker.Vulnrich
	Now      func() time.Time
}

// RegisterTasks registers every tracker task on r.
func RegisterTasks(r *Runner, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r.Register(
		Task{Name: TaskCVELoad, Queue: QueueCVELoad, Run: fullLoad(deps.Syncer, importer.FeedCVE)},
		Task{Name: TaskCPELoad, Queue: QueueCPELoad, Run: fullLoad(deps.Syncer, importer.FeedCPE)},
		Task{Name: TaskMatchLoad, Queue: QueueMatchLoad, Run: fullLoad(deps.Syncer, importer.FeedMatch)},
		Task{
			Name:  TaskInitialLoad,
			Queue: QueueCVELoad,
			Run: func(ctx context.Context, args ...string) (string, error) {
				statuses, err := r.Chain(ctx, TaskCVELoad, TaskCPELoad, TaskMatchLoad)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("initial load finished: %v", statuses), nil
			},
		},
		Task{Name: TaskCVEUpdate, Requires: tracker.InitialLoads, Run: incremental(deps.Syncer, importer.FeedCVE)},
		Task{Name: TaskCPEUpdate, Requires: tracker.InitialLoads, Run: incremental(deps.Syncer, importer.FeedCPE)},
		Task{Name: TaskMatchUpdate, Requires: tracker.InitialLoads, Run: incremental(deps.Syncer, importer.FeedMatch)},
		Task{Name: TaskScanProduct, Run: scanProduct(deps.Engine)},
		Task{
			Name: TaskVulnrichLoad,
			Run: func(ctx context.Context, args ...string) (string, error) {
				count, err := importer.VulnrichFeed(ctx, deps.DB, deps.Vulnrich, deps.Now())
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("imported %d enrichment records", count), nil
			},
		},
		Task{
			Name: TaskPurgeSessions,
			Run: func(ctx context.Context, args ...string) (string, error) {
				count, err := deps.Service.PurgeExpiredSessions(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("purged %d expired sessions", count), nil
			},
		},
	)
}

func fullLoad(syncer *importer.Syncer, feed importer.Feed) func(context.Context, ...string) (string, error) {
	return func(ctx context.Context, args ...string) (string, error) {
		report, err := syncer.FullLoad(ctx, feed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: processed %d of %d", feed.LoadJob(), report.Processed, report.Total), nil
	}
}

func incremental(syncer *importer.Syncer, feed importer.Feed) func(context.Context, ...string) (string, error) {
	return func(ctx context.Context, args ...string) (string, error) {
		report, err := syncer.Incremental(ctx, feed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s update: processed %d of %d", feed, report.Processed, report.Total), nil
	}
}

func scanProduct(engine *alerts.Engine) func(context.Context, ...string) (string, error) {
	return func(ctx context.Context, args ...string) (string, error) {
		if len(args) != 2 {
			return "", fmt.Errorf("expected tenant id and cpe, got %d arguments", len(args))
		}
		tenantID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid tenant id %q: %w", args[0], err)
		}

		result, err := engine.ReconcileProduct(ctx, uint(tenantID), args[1])
		if err != nil {
			return "", err
		}
		if !result.Found {
			return fmt.Sprintf("%s: cpe not found", args[1]), nil
		}
		if result.Removed {
			return fmt.Sprintf("%s: product not found", args[1]), nil
		}
		return fmt.Sprintf("%s: %d alerts created, %d restored", args[1], len(result.Created), len(result.Restored)), nil
	}
}

// ScheduleTasks adds the periodic tasks of config to s.
func ScheduleTasks(s *Scheduler, config tracker.Schedule) error {
	var errs *multierror.Error
	entries := []struct {
		spec string
		task string
	}{
		{config.CVEUpdate, TaskCVEUpdate},
		{config.CPEUpdate, TaskCPEUpdate},
		{config.MatchUpdate, TaskMatchUpdate},
		{config.Vulnrich, TaskVulnrichLoad},
		{config.PurgeSessions, TaskPurgeSessions},
	}
	for _, entry := range entries {
		if err := s.Add(entry.spec, entry.task); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Scanner hands product scans to the runner's default queue.
type Scanner struct {
	runner *Runner
}

func NewScanner(runner *Runner) *Scanner {
	return &Scanner{runner: runner}
}

func (s *Scanner) ScanProduct(tenantID uint, platformID string) {
	err := s.runner.Enqueue(TaskScanProduct, strconv.FormatUint(uint64(tenantID), 10), platformID)
	if err != nil {
		slog.Error("could not enqueue product scan", "tenant", tenantID, "cpe", platformID, "err", err)
	}
}
