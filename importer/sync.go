package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// Fetcher is the part of Client used by the sync jobs.
type Fetcher interface {
	FetchPage(ctx context.Context, feed Feed, options ...RequestOptionsFunc) (*Response, error)
}

// AlertReconciler receives the IDs of the vulnerabilities an incremental
// cves page changed.
type AlertReconciler interface {
	ReconcileVulnerabilities(ctx context.Context, ids []string) error
}

// Report summarizes one run of a sync job.
type Report struct {
	Processed int
	Total     int
	IDs       []string
}

// Syncer runs the full and incremental loads of the three feeds.
type Syncer struct {
	db         *gorm.DB
	fetcher    Fetcher
	pacer      *Pacer
	progress   *tracker.Progress
	reconciler AlertReconciler
	pageSizes  tracker.PageSize
	maxWindow  time.Duration
	now        func() time.Time
}

type SyncerOption func(*Syncer)

func WithReconciler(reconciler AlertReconciler) SyncerOption {
	return func(s *Syncer) {
		s.reconciler = reconciler
	}
}

func WithSyncClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		s.now = now
		s.progress = s.progress.WithClock(now)
	}
}

func NewSyncer(db *gorm.DB, fetcher Fetcher, config tracker.NVD, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		db:        db,
		fetcher:   fetcher,
		pacer:     NewPacer(config.RateLimit.Duration),
		progress:  tracker.NewProgress(db),
		pageSizes: config.PageSize,
		maxWindow: config.MaxWindow.Duration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) pageSize(feed Feed) int {
	size := 0
	switch feed {
	case FeedCVE:
		size = s.pageSizes.CVE
	case FeedCPE:
		size = s.pageSizes.CPE
	case FeedMatch:
		size = s.pageSizes.Match
	}
	if size < 1 {
		return 500
	}
	return size
}

// writePage stores the items of page with the writer matching feed.
func (s *Syncer) writePage(ctx context.Context, feed Feed, page *Response) BatchResult {
	switch feed {
	case FeedCVE:
		return WriteCVEPage(ctx, s.db, page.Vulnerabilities)
	case FeedCPE:
		return WritePlatformPage(ctx, s.db, page.Products)
	case FeedMatch:
		return WriteMatchPage(ctx, s.db, page.MatchStrings)
	}
	return BatchResult{}
}

// FullLoad pages through the whole feed. The cves load resets the
// progress rows of all three loads before it starts and leaves out
// rejected CVEs; incremental updates still fetch them so that a rejection
// reaches existing alerts.
func (s *Syncer) FullLoad(ctx context.Context, feed Feed) (report Report, err error) {
	job := feed.LoadJob()
	if feed == FeedCVE {
		if err := s.progress.Clear(ctx, tracker.InitialLoads...); err != nil {
			return report, err
		}
	}
	if err := s.progress.Start(ctx, job); err != nil {
		return report, err
	}

	var filter []RequestOptionsFunc
	if feed == FeedCVE {
		filter = append(filter, NoRejected())
	}

	slog.Info("starting full load", "feed", feed)
	report, err = s.pages(ctx, feed, filter, func(page BatchResult, report Report) {
		if report.Total > 0 {
			if err := s.progress.Update(ctx, job, tracker.Percent(report.Processed, report.Total)); err != nil {
				slog.Error("could not store progress", "job", job, "err", err)
			}
		}
	})
	if err != nil {
		if failErr := s.progress.Fail(context.WithoutCancel(ctx), job); failErr != nil {
			slog.Error("could not mark job as failed", "job", job, "err", failErr)
		}
		return report, fmt.Errorf("full load of %s failed: %w", feed, err)
	}

	if err := s.progress.Complete(ctx, job); err != nil {
		return report, err
	}
	slog.Info("finished full load", "feed", feed, "processed", report.Processed, "total", report.Total)
	return report, nil
}

// Incremental fetches the records modified since the last run of the
// feed's load and moves its last_update to the end of the window. The
// window spans at most the configured maximum, so a long outage catches up
// over several runs.
func (s *Syncer) Incremental(ctx context.Context, feed Feed) (report Report, err error) {
	job := feed.LoadJob()
	last, err := s.progress.Get(ctx, job)
	if err != nil {
		return report, err
	}

	start, end := tracker.Window(last.LastUpdate, s.now(), s.maxWindow)
	slog.Info("starting incremental update", "feed", feed, "start", start, "end", end)

	window := []RequestOptionsFunc{LastModStart(start), LastModEnd(end)}
	report, err = s.pages(ctx, feed, window, func(page BatchResult, _ Report) {
		if feed != FeedCVE || s.reconciler == nil || len(page.IDs) == 0 {
			return
		}
		if err := s.reconciler.ReconcileVulnerabilities(ctx, page.IDs); err != nil {
			slog.Error("could not update alerts", "feed", feed, "ids", len(page.IDs), "err", err)
		}
	})
	if err != nil {
		return report, fmt.Errorf("incremental update of %s failed: %w", feed, err)
	}

	if err := s.progress.Touch(ctx, job, end); err != nil {
		return report, err
	}
	slog.Info("finished incremental update", "feed", feed, "processed", report.Processed, "total", report.Total)
	return report, nil
}

// pages fetches every page of feed with the given filter, writes it and
// calls after with the page result and the running report.
func (s *Syncer) pages(
	ctx context.Context,
	feed Feed,
	filter []RequestOptionsFunc,
	after func(page BatchResult, report Report),
) (report Report, err error) {
	pageSize := s.pageSize(feed)
	for startIndex := 0; ; {
		if err := s.pacer.Wait(ctx); err != nil {
			return report, err
		}

		options := append([]RequestOptionsFunc{
			StartIndex(startIndex),
			ResultsPerPage(pageSize),
		}, filter...)
		page, err := s.fetcher.FetchPage(ctx, feed, options...)
		if err != nil {
			return report, err
		}

		result := s.writePage(ctx, feed, page)
		report.Total = page.TotalResults
		report.Processed += result.Processed
		if feed == FeedCVE {
			report.IDs = append(report.IDs, result.IDs...)
		}
		slog.Debug("wrote page", "feed", feed, "start", startIndex, "items", page.Len(), "processed", result.Processed)
		after(result, report)

		startIndex += pageSize
		if startIndex >= page.TotalResults || page.Len() == 0 {
			return report, nil
		}
	}
}
