package importer

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/importer/vulnrich"
	"gitlab.com/localtalent/cve-tracker/tracker"
	"gitlab.com/localtalent/cve-tracker/tracker/trackertest"
)

const vulnrichRecord = `{
	"dataType": "CVE_RECORD",
	"dataVersion": "5.1",
	"cveMetadata": {"cveId": "CVE-2024-3094", "state": "PUBLISHED", "dateUpdated": "2024-06-05T14:00:00.000Z"},
	"containers": {
		"cna": {"providerMetadata": {"orgId": "x", "shortName": "redhat", "dateUpdated": "2024-05-01T00:00:00.000Z"}},
		"adp": [
			{
				"title": "CVE Program Container",
				"providerMetadata": {"orgId": "y", "shortName": "CVE", "dateUpdated": "2024-05-02T00:00:00"}
			},
			{
				"title": "CISA ADP Vulnrichment",
				"providerMetadata": {"orgId": "z", "shortName": "CISA-ADP", "dateUpdated": "2024-06-05T14:00:00.000Z"},
				"metrics": [{
					"other": {
						"type": "ssvc",
						"content": {
							"timestamp": "2024-06-04T19:23:47.123456Z",
							"id": "CVE-2024-3094",
							"options": [
								{"Exploitation": "active"},
								{"Automatable": "yes"},
								{"Technical Impact": "total"}
							],
							"role": "CISA Coordinator",
							"version": "2.0.3"
						}
					}
				}]
			}
		]
	}
}`

func TestEnrichmentFromRecord(t *testing.T) {
	require := require.New(t)

	record := vulnrich.Record{}
	require.NoError(json.Unmarshal([]byte(vulnrichRecord), &record))
	require.Equal(time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC), record.Updated())

	enrichment, err := EnrichmentFromRecord(record).Take()
	require.NoError(err)
	require.Equal("CVE-2024-3094", enrichment.VulnerabilityID)
	require.Equal("active", enrichment.Exploitation)
	require.Equal("yes", enrichment.Automatable)
	require.Equal("total", enrichment.TechnicalImpact)
	require.Equal(2024, enrichment.SourceUpdated.Year())

	record.CveMetadata.State = vulnrich.CveStateREJECTED
	require.True(EnrichmentFromRecord(record).IsNone())

	record = vulnrich.Record{CveMetadata: vulnrich.CveMetadata{CveID: "CVE-2024-0001"}}
	require.True(EnrichmentFromRecord(record).IsNone())
}

func TestStoreEnrichmentUpserts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := trackertest.DB(t)

	require.NoError(StoreEnrichment(ctx, db, tracker.VulnerabilityEnrichment{VulnerabilityID: "CVE-2024-3094", Exploitation: "poc"}))
	require.NoError(StoreEnrichment(ctx, db, tracker.VulnerabilityEnrichment{VulnerabilityID: "CVE-2024-3094", Exploitation: "active"}))

	stored := []tracker.VulnerabilityEnrichment{}
	require.NoError(db.Find(&stored).Error)
	require.Len(stored, 1)
	require.Equal("active", stored[0].Exploitation)
}

func TestWalkCVEFiles(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(err)
	worktree, err := repo.Worktree()
	require.NoError(err)

	files := map[string]string{
		"2024/3xxx/CVE-2024-3094.json": vulnrichRecord,
		"2024/3xxx/CVE-2024-3095.json": `{"cveMetadata": {"cveId": "CVE-2024-3095"}}`,
		"README.md":                    "vulnrichment",
		"assets/schema.json":           "{}",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(os.WriteFile(path, []byte(content), 0o644))
		_, err := worktree.Add(name)
		require.NoError(err)
	}
	_, err = worktree.Commit("records", &git.CommitOptions{
		Author: &object.Signature{Name: "CISA", Email: "vulnrichment@example.com", When: time.Now()},
	})
	require.NoError(err)

	opened, err := vulnrich.GetRepo(context.Background(), "unused", dir)
	require.NoError(err)

	seen := map[string]int{}
	err = vulnrich.WalkCVEFiles(opened, func(name string, content io.Reader) error {
		data, err := io.ReadAll(content)
		seen[name] = len(data)
		return err
	})
	require.NoError(err)
	require.Len(seen, 2)
	require.Equal(len(vulnrichRecord), seen["2024/3xxx/CVE-2024-3094.json"])
}
