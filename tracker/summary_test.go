package tracker_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/tracker/trackertest"
)

func TestSummaryAndLoadProgress(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	svc, db, _ := newService(t)
	progress := tracker.NewProgress(db)

	summary, err := svc.Summary(ctx)
	require.NoError(err)
	require.False(summary.InitialLoadCompleted)
	require.Nil(summary.LastCVEUpdate)
	require.EqualValues(2, summary.UserCount)
	require.EqualValues(1, summary.OrganizationCount)

	syncing, err := svc.IsSynchronizing(ctx)
	require.NoError(err)
	require.False(syncing)

	require.NoError(progress.Start(ctx, tracker.JobCVELoad))
	require.NoError(progress.Update(ctx, tracker.JobCVELoad, 42))

	syncing, err = svc.IsSynchronizing(ctx)
	require.NoError(err)
	require.True(syncing)

	loads, err := svc.LoadProgress(ctx)
	require.NoError(err)
	require.Equal(tracker.LoadProgress{CVE: 42}, loads)

	for _, name := range tracker.InitialLoads {
		require.NoError(progress.Start(ctx, name))
		require.NoError(progress.Complete(ctx, name))
	}

	summary, err = svc.Summary(ctx)
	require.NoError(err)
	require.True(summary.InitialLoadCompleted)
	require.NotNil(summary.LastCVEUpdate)
	require.NotNil(summary.LastMatchUpdate)

	syncing, err = svc.IsSynchronizing(ctx)
	require.NoError(err)
	require.False(syncing)
}

func TestSearchPlatforms(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	svc, db, _ := newService(t)

	for i := 0; i < 5; i++ {
		require.NoError(db.Create(&tracker.Platform{
			ID:    fmt.Sprintf("cpe:2.3:a:openssl:openssl:1.%d:*:*:*:*:*:*:*", i),
			Title: "OpenSSL",
		}).Error)
	}

	result, err := svc.SearchPlatforms(ctx, "op", 0, 10)
	require.NoError(err)
	require.Empty(result.Results)
	require.False(result.HasMore)

	result, err = svc.SearchPlatforms(ctx, "OPENSSL", 0, 3)
	require.NoError(err)
	require.Len(result.Results, 3)
	require.True(result.HasMore)

	result, err = svc.SearchPlatforms(ctx, "openssl", 3, 3)
	require.NoError(err)
	require.Len(result.Results, 2)
	require.False(result.HasMore)
}

func TestGetVulnerability(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	svc, db, _ := newService(t)

	trackertest.AddVulnerability(t, db,
		tracker.Vulnerability{ID: "CVE-2024-0001", Score: score("9.8"), ScoreVersion: "3.1"},
		"crit-1", opensslCPE, "cpe:2.3:a:openssl:openssl:3.0.1:*:*:*:*:*:*:*",
	)
	require.NoError(db.Create(&tracker.VulnerabilityEnrichment{VulnerabilityID: "CVE-2024-0001", Exploitation: "poc"}).Error)

	detail, err := svc.GetVulnerability(ctx, "cve-2024-0001")
	require.NoError(err)
	require.Equal(tracker.SeverityCritical, detail.Severity)
	require.Len(detail.Platforms, 2)
	require.NotNil(detail.Enrichment)
	require.Equal("poc", detail.Enrichment.Exploitation)

	_, err = svc.GetVulnerability(ctx, "CVE-1999-0001")
	require.Equal(tracker.KindNotFound, tracker.KindOf(err))
}

func TestNotifications(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	svc, _, fx := newService(t)

	require.NoError(svc.AddNotifications(ctx, []tracker.Notification{
		{UserID: fx.Admin.ID, TenantID: fx.Tenant.ID, Kind: tracker.NotificationCVEUpdate, Title: "first"},
		{UserID: fx.Admin.ID, TenantID: fx.Tenant.ID, Kind: tracker.NotificationCVEUpdate, Title: "second"},
		{UserID: fx.Member.ID, TenantID: fx.Tenant.ID, Kind: tracker.NotificationCVEUpdate, Title: "other"},
	}))

	page, err := svc.ListNotifications(ctx, fx.Admin.ID, tracker.NotificationQuery{})
	require.NoError(err)
	require.EqualValues(2, page.TotalItems)
	require.EqualValues(2, page.UnreadCount)
	require.Equal("second", page.Items[0].Title)

	read, err := svc.MarkNotificationRead(ctx, fx.Admin.ID, page.Items[0].ID)
	require.NoError(err)
	require.True(read.IsRead)

	page, err = svc.ListNotifications(ctx, fx.Admin.ID, tracker.NotificationQuery{UnreadOnly: true})
	require.NoError(err)
	require.EqualValues(1, page.TotalItems)
	require.EqualValues(1, page.UnreadCount)

	_, err = svc.MarkNotificationRead(ctx, fx.Member.ID, read.ID)
	require.Equal(tracker.KindNotFound, tracker.KindOf(err))
}

func TestCleanupAlerts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	svc, db, fx := newService(t)

	for _, id := range []string{"CVE-2024-0001", "CVE-2024-0002"} {
		require.NoError(db.Create(&tracker.Alert{TenantID: fx.Tenant.ID, VulnerabilityID: id, PlatformID: opensslCPE, Active: true}).Error)
	}
	require.NoError(svc.DeleteAlert(ctx, tracker.AlertKey{TenantID: fx.Tenant.ID, VulnerabilityID: "CVE-2024-0001", PlatformID: opensslCPE}))

	var out bytes.Buffer
	count, err := tracker.CleanupAlerts(time.Now().Add(time.Hour), true, db, &out)
	require.NoError(err)
	require.EqualValues(1, count)
	require.Contains(out.String(), "Found 1 alerts")

	count, err = tracker.CleanupAlerts(time.Now().Add(time.Hour), false, db, &out)
	require.NoError(err)
	require.EqualValues(1, count)

	var rows int64
	require.NoError(db.Unscoped().Model(&tracker.Alert{}).Count(&rows).Error)
	require.EqualValues(1, rows)
}
