package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/tracker/trackertest"
)

func TestParseNVDTime(t *testing.T) {
	require := require.New(t)

	parsed, err := ParseNVDTime("2024-02-01T10:00:00.123")
	require.NoError(err)
	require.Equal(time.Date(2024, 2, 1, 10, 0, 0, 123000000, time.UTC), parsed)

	parsed, err = ParseNVDTime("2024-02-01T10:00:00.000+02:00")
	require.NoError(err)
	require.Equal(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC), parsed)

	_, err = ParseNVDTime("yesterday")
	require.Error(err)
}

func TestWriteCVEPageSkipsBrokenRecords(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := trackertest.DB(t)

	items := []Vulnerability{
		{CVE: cveFixture{ID: "CVE-2024-0001", Score: "9.8", Criteria: []string{"A", "B", "A"}, NotAffected: []string{"C"}}.raw(t)},
		{CVE: json.RawMessage(`{"id": "CVE-2024-0002", "published": "not a date"}`)},
		{CVE: json.RawMessage(`[1, 2`)},
		{CVE: cveFixture{ID: "CVE-2024-0003", Status: "Rejected"}.raw(t)},
	}

	result := WriteCVEPage(ctx, db, items)
	require.Equal(2, result.Processed)
	require.Equal([]string{"CVE-2024-0001", "CVE-2024-0003"}, result.IDs)

	vuln := tracker.Vulnerability{}
	require.NoError(db.Take(&vuln, "id = ?", "CVE-2024-0001").Error)
	require.Equal("description of CVE-2024-0001", vuln.Description)
	require.Equal("9.8", vuln.Score.Decimal.String())
	require.Equal("3.1", vuln.ScoreVersion)
	require.Equal([]string{"A", "B"}, []string(vuln.Criteria))
	require.Equal(time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), vuln.Published.UTC())

	var links []tracker.VulnerabilityCriteria
	require.NoError(db.Order("criteria_id").Find(&links, "vulnerability_id = ?", "CVE-2024-0001").Error)
	require.Len(links, 2)

	// A second write replaces the links instead of adding to them.
	result = WriteCVEPage(ctx, db, []Vulnerability{
		{CVE: cveFixture{ID: "CVE-2024-0001", Score: "7.0", Criteria: []string{"B"}}.raw(t)},
	})
	require.Equal(1, result.Processed)
	require.NoError(db.Find(&links, "vulnerability_id = ?", "CVE-2024-0001").Error)
	require.Len(links, 1)
	require.Equal("B", links[0].CriteriaID)

	var count int64
	require.NoError(db.Model(&tracker.Vulnerability{}).Count(&count).Error)
	require.EqualValues(2, count)
}

func TestParseCVEIgnoresMalformedCriteria(t *testing.T) {
	require := require.New(t)

	raw := cveFixture{ID: "CVE-2024-0004", Score: "8.1", Criteria: []string{"A"}, NotAffected: []string{"C"}}.raw(t)
	raw = bytes.Replace(raw, []byte("cpe:2.3:o:linux:linux_kernel:-:*:*:*:*:*:*:*"), []byte("cpe:2.3:o:acme:firmware"), 1)

	vuln, criteria, err := ParseCVE(Vulnerability{CVE: raw})
	require.NoError(err)
	require.Equal("CVE-2024-0004", vuln.ID)
	require.Equal([]string{"A"}, criteria)
}

func TestWritePlatformPage(t *testing.T) {
	require := require.New(t)
	db := trackertest.DB(t)

	result := WritePlatformPage(context.Background(), db, []ProductItem{
		{CPE: cpeRaw("cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*", "2022-01-01T00:00:00.000")},
		{CPE: cpeRaw("cpe:/a:openssl:openssl:3.0.0", "2022-01-01T00:00:00.000")},
		{CPE: cpeRaw("openssl 3.0.0", "2022-01-01T00:00:00.000")},
	})
	require.Equal(1, result.Processed)

	platform := tracker.Platform{}
	require.NoError(db.Take(&platform, "id = ?", "cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*").Error)
	require.Equal("Title of cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*", platform.Title)
	require.False(platform.Deprecated)
}

func TestWriteMatchPage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := trackertest.DB(t)

	p1 := "cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*"
	p2 := "cpe:2.3:a:openssl:openssl:3.0.1:*:*:*:*:*:*:*"

	result := WriteMatchPage(ctx, db, []MatchStringItem{
		{MatchString: matchRaw("M1", p1, p2, p1)},
		{MatchString: json.RawMessage(`{"criteria": "cpe:2.3:a:x:y:*:*:*:*:*:*:*:*"}`)},
	})
	require.Equal(1, result.Processed)

	match := tracker.MatchCriteria{}
	require.NoError(db.Take(&match, "id = ?", "M1").Error)
	require.Equal([]string{p1, p2}, []string(match.Platforms))

	result = WriteMatchPage(ctx, db, []MatchStringItem{{MatchString: matchRaw("M1", p2)}})
	require.Equal(1, result.Processed)

	var links []tracker.CriteriaPlatform
	require.NoError(db.Find(&links, "criteria_id = ?", "M1").Error)
	require.Len(links, 1)
	require.Equal(p2, links[0].PlatformID)
}
