package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/tracker/trackertest"
)

type recordingReconciler struct {
	mu    sync.Mutex
	pages [][]string
}

func (r *recordingReconciler) ReconcileVulnerabilities(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, ids)
	return nil
}

func newTestSyncer(t *testing.T, opts ...SyncerOption) (*Syncer, *fakeNVD, *gorm.DB) {
	t.Helper()
	db := trackertest.DB(t)
	fake, server := newFakeNVD(t)
	config := testNVDConfig(server.URL, 2)
	return NewSyncer(db, NewClient(config, nil), config, opts...), fake, db
}

func cvePage(t *testing.T, n int) []json.RawMessage {
	items := []json.RawMessage{}
	for i := 1; i <= n; i++ {
		items = append(items, cveFixture{ID: fmt.Sprintf("CVE-2024-%04d", i), Score: "5.0"}.raw(t))
	}
	return items
}

func TestFullLoadPagesThroughFeed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	syncer, fake, db := newTestSyncer(t)
	progress := tracker.NewProgress(db)

	require.NoError(progress.Start(ctx, tracker.JobMatchLoad))
	require.NoError(progress.Complete(ctx, tracker.JobMatchLoad))

	fake.set(FeedCVE, cvePage(t, 5)...)

	report, err := syncer.FullLoad(ctx, FeedCVE)
	require.NoError(err)
	require.Equal(5, report.Processed)
	require.Equal(5, report.Total)
	require.Len(report.IDs, 5)

	queries := fake.recorded()
	require.Len(queries, 3)
	require.Equal("4", queries[2].Get("startIndex"))
	require.Equal("2", queries[2].Get("resultsPerPage"))
	for _, query := range queries {
		require.True(query.Has("noRejected"))
	}

	job, err := progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(100, job.Percent)

	exists, err := progress.Exists(ctx, tracker.JobMatchLoad)
	require.NoError(err)
	require.False(exists, "cve load resets the other load rows")
}

func TestFullLoadMarksFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	syncer, fake, db := newTestSyncer(t)
	fake.setFailing(true)

	_, err := syncer.FullLoad(ctx, FeedCPE)
	require.ErrorIs(err, ErrRetriesExhausted)

	job, err := tracker.NewProgress(db).Get(ctx, tracker.JobCPELoad)
	require.NoError(err)
	require.Equal(tracker.PercentFailed, job.Percent)
}

func TestFullLoadPlatformsAndMatches(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	syncer, fake, db := newTestSyncer(t)

	p1 := "cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*"
	p2 := "cpe:2.3:a:openssl:openssl:3.0.1:*:*:*:*:*:*:*"
	fake.set(FeedCPE, cpeRaw(p1, "2022-01-01T00:00:00.000"), cpeRaw(p2, "2022-01-01T00:00:00.000"))
	fake.set(FeedMatch, matchRaw("M1", p1), matchRaw("M2", p1, p2), matchRaw("M3"))

	report, err := syncer.FullLoad(ctx, FeedCPE)
	require.NoError(err)
	require.Equal(2, report.Processed)
	require.Empty(report.IDs)
	require.False(fake.recorded()[0].Has("noRejected"))

	report, err = syncer.FullLoad(ctx, FeedMatch)
	require.NoError(err)
	require.Equal(3, report.Processed)

	var links int64
	require.NoError(db.Model(&tracker.CriteriaPlatform{}).Count(&links).Error)
	require.EqualValues(3, links)
}

func TestIncrementalRequiresLoad(t *testing.T) {
	require := require.New(t)
	syncer, _, _ := newTestSyncer(t)

	_, err := syncer.Incremental(context.Background(), FeedCVE)
	require.Equal(tracker.KindNotFound, tracker.KindOf(err))
}

func TestIncrementalCapsWindowAndReconciles(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	loaded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := trackertest.NewClock(loaded)
	reconciler := &recordingReconciler{}
	syncer, fake, db := newTestSyncer(t, WithReconciler(reconciler), WithSyncClock(clock.Now))

	progress := tracker.NewProgress(db).WithClock(clock.Now)
	for _, name := range tracker.InitialLoads {
		require.NoError(progress.Start(ctx, name))
		require.NoError(progress.Complete(ctx, name))
	}

	clock.Advance(152 * 24 * time.Hour)
	fake.set(FeedCVE, cvePage(t, 3)...)

	report, err := syncer.Incremental(ctx, FeedCVE)
	require.NoError(err)
	require.Equal(3, report.Processed)

	queries := fake.recorded()
	require.Len(queries, 2)
	require.Equal("2024-01-01T00:00:00.000Z", queries[0].Get("lastModStartDate"))
	require.Equal("2024-04-10T00:00:00.000Z", queries[0].Get("lastModEndDate"))
	require.False(queries[0].Has("noRejected"))

	require.Equal([][]string{{"CVE-2024-0001", "CVE-2024-0002"}, {"CVE-2024-0003"}}, reconciler.pages)

	job, err := progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(100, job.Percent)
	require.True(job.LastUpdate.Equal(time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)))

	// The next run continues from the stored end.
	_, err = syncer.Incremental(ctx, FeedCVE)
	require.NoError(err)
	queries = fake.recorded()
	require.Equal("2024-04-10T00:00:00.000Z", queries[len(queries)-1].Get("lastModStartDate"))
	require.Equal("2024-06-01T00:00:00.000Z", queries[len(queries)-1].Get("lastModEndDate"))
}
