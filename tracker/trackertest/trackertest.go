// Package trackertest provides a migrated sqlite database for tests.
package trackertest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// DB opens a fresh database in t's temporary directory and applies the
// migrations.
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	require := require.New(t)

	dsn := filepath.Join(t.TempDir(), "tracker.db") + "?_pragma=busy_timeout(5000)"
	db, err := tracker.Open(tracker.Database{Driver: "sqlite", DSN: dsn})
	require.NoError(err)
	require.NoError(tracker.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return db
}

// Clock is a settable time source.
type Clock struct {
	Time time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{Time: t}
}

func (c *Clock) Now() time.Time {
	return c.Time
}

func (c *Clock) Advance(d time.Duration) {
	c.Time = c.Time.Add(d)
}

// Fixtures seeds a tenant with an admin and a member.
type Fixtures struct {
	Tenant tracker.Tenant
	Admin  tracker.User
	Member tracker.User
}

const Password = "correct horse battery"

func Seed(t testing.TB, svc *tracker.Service) Fixtures {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "acme")
	require.NoError(err)
	admin, err := svc.CreateUser(ctx, "admin@acme.test", "Admin", Password, false)
	require.NoError(err)
	member, err := svc.CreateUser(ctx, "member@acme.test", "Member", Password, false)
	require.NoError(err)

	_, err = svc.AddMember(ctx, tenant.ID, admin.ID, tracker.RoleAdmin)
	require.NoError(err)
	_, err = svc.AddMember(ctx, tenant.ID, member.ID, tracker.RoleMember)
	require.NoError(err)

	return Fixtures{Tenant: tenant, Admin: admin, Member: member}
}

// AddVulnerability stores a vulnerability whose single criteria resolves to
// platforms.
func AddVulnerability(t testing.TB, db *gorm.DB, v tracker.Vulnerability, criteriaID string, platforms ...string) {
	t.Helper()
	require := require.New(t)

	if v.Published.IsZero() {
		v.Published = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if v.LastModified.IsZero() {
		v.LastModified = v.Published
	}
	if v.Status == "" {
		v.Status = "Analyzed"
	}
	if criteriaID != "" {
		v.Criteria = append(v.Criteria, criteriaID)
	}
	require.NoError(db.Create(&v).Error)

	if criteriaID == "" {
		return
	}
	require.NoError(db.Create(&tracker.VulnerabilityCriteria{VulnerabilityID: v.ID, CriteriaID: criteriaID}).Error)

	var count int64
	require.NoError(db.Model(&tracker.MatchCriteria{}).Where("id = ?", criteriaID).Count(&count).Error)
	if count > 0 {
		return
	}
	require.NoError(db.Create(&tracker.MatchCriteria{ID: criteriaID, Criteria: criteriaID, Platforms: platforms}).Error)
	for _, platform := range platforms {
		require.NoError(db.Create(&tracker.CriteriaPlatform{CriteriaID: criteriaID, PlatformID: platform}).Error)
	}
}
