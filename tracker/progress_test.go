package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/tracker/trackertest"
)

func TestProgressLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	clock := trackertest.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	progress := tracker.NewProgress(trackertest.DB(t)).WithClock(clock.Now)

	_, err := progress.Get(ctx, tracker.JobCVELoad)
	require.Equal(tracker.KindNotFound, tracker.KindOf(err))

	exists, err := progress.Exists(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.False(exists)

	require.NoError(progress.Start(ctx, tracker.JobCVELoad))
	job, err := progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(0, job.Percent)
	require.True(clock.Time.Equal(job.LastUpdate))

	require.NoError(progress.Update(ctx, tracker.JobCVELoad, 40))
	require.NoError(progress.Update(ctx, tracker.JobCVELoad, 20))
	job, err = progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(40, job.Percent)

	require.NoError(progress.Complete(ctx, tracker.JobCVELoad))
	job, err = progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(100, job.Percent)

	require.NoError(progress.Start(ctx, tracker.JobCVELoad))
	job, err = progress.Get(ctx, tracker.JobCVELoad)
	require.NoError(err)
	require.Equal(0, job.Percent)
}

func TestProgressFailIsNotOverwrittenByUpdate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	progress := tracker.NewProgress(trackertest.DB(t))

	require.NoError(progress.Start(ctx, tracker.JobCPELoad))
	require.NoError(progress.Fail(ctx, tracker.JobCPELoad))
	require.NoError(progress.Update(ctx, tracker.JobCPELoad, 50))

	job, err := progress.Get(ctx, tracker.JobCPELoad)
	require.NoError(err)
	require.Equal(tracker.PercentFailed, job.Percent)
}

func TestProgressTouchKeepsPercent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	progress := tracker.NewProgress(trackertest.DB(t))

	require.NoError(progress.Start(ctx, tracker.JobMatchLoad))
	require.NoError(progress.Complete(ctx, tracker.JobMatchLoad))

	next := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(progress.Touch(ctx, tracker.JobMatchLoad, next))

	job, err := progress.Get(ctx, tracker.JobMatchLoad)
	require.NoError(err)
	require.Equal(100, job.Percent)
	require.True(next.Equal(job.LastUpdate))
}

func TestProgressClear(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	progress := tracker.NewProgress(trackertest.DB(t))

	for _, name := range tracker.InitialLoads {
		require.NoError(progress.Start(ctx, name))
	}
	require.NoError(progress.Clear(ctx, tracker.JobCPELoad, tracker.JobMatchLoad))

	jobs, err := progress.All(ctx)
	require.NoError(err)
	require.Len(jobs, 1)
	require.Equal(tracker.JobCVELoad, jobs[0].Name)
}

func TestPercent(t *testing.T) {
	require := require.New(t)

	require.Equal(0, tracker.Percent(10, 0))
	require.Equal(33, tracker.Percent(1, 3))
	require.Equal(100, tracker.Percent(3, 3))
	require.Equal(100, tracker.Percent(4, 3))
}

func TestWindow(t *testing.T) {
	require := require.New(t)
	maxSpan := 100 * 24 * time.Hour
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	start, end := tracker.Window(last, last.Add(48*time.Hour), maxSpan)
	require.Equal(last, start)
	require.Equal(last.Add(48*time.Hour), end)

	start, end = tracker.Window(last, last.Add(300*24*time.Hour), maxSpan)
	require.Equal(last, start)
	require.Equal(last.Add(maxSpan), end)
}
