package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scylladb/go-set/strset"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// BatchResult is what a page writer committed.
type BatchResult struct {
	Processed int
	IDs       []string
}

var nvdTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ParseNVDTime parses the timestamps of the v2 feeds, which carry
// milliseconds and usually no zone. Zoneless values are UTC.
func ParseNVDTime(value string) (time.Time, error) {
	for _, layout := range nvdTimeLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// writeBatch runs write for every item inside one transaction, each in its
// own savepoint. A failing item is rolled back and skipped. When the
// final commit fails nothing is reported.
func writeBatch[T any](
	ctx context.Context,
	db *gorm.DB,
	kind string,
	items []T,
	write func(tx *gorm.DB, item T) (string, error),
) BatchResult {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		slog.Error("could not start transaction", "kind", kind, "err", tx.Error)
		return BatchResult{}
	}

	result := BatchResult{}
	for i, item := range items {
		savepoint := fmt.Sprintf("item_%d", i)
		if err := tx.SavePoint(savepoint).Error; err != nil {
			slog.Error("could not create savepoint", "kind", kind, "err", err)
			tx.Rollback()
			return BatchResult{}
		}

		id, err := write(tx, item)
		if err != nil {
			slog.Error("could not process item", "kind", kind, "id", id, "err", err)
			if err := tx.RollbackTo(savepoint).Error; err != nil {
				slog.Error("could not roll back item", "kind", kind, "id", id, "err", err)
				tx.Rollback()
				return BatchResult{}
			}
			continue
		}
		result.Processed++
		result.IDs = append(result.IDs, id)
	}

	if err := tx.Commit().Error; err != nil {
		slog.Error("could not commit batch", "kind", kind, "items", len(items), "err", err)
		tx.Rollback()
		return BatchResult{}
	}
	return result
}

// WriteCVEPage upserts the vulnerabilities of one cves page.
func WriteCVEPage(ctx context.Context, db *gorm.DB, items []Vulnerability) BatchResult {
	return writeBatch(ctx, db, "cve", items, func(tx *gorm.DB, item Vulnerability) (string, error) {
		vuln, criteria, err := ParseCVE(item)
		if err != nil {
			return vuln.ID, err
		}
		return vuln.ID, upsertVulnerability(tx, vuln, criteria)
	})
}

// ParseCVE maps a feed record onto a Vulnerability and the IDs of its
// vulnerable match criteria.
func ParseCVE(item Vulnerability) (vuln tracker.Vulnerability, criteria []string, err error) {
	cve := CVE{}
	if err := json.Unmarshal(item.CVE, &cve); err != nil {
		return vuln, nil, fmt.Errorf("could not decode cve: %w", err)
	}
	if cve.ID == "" {
		return vuln, nil, fmt.Errorf("cve without id")
	}

	vuln = tracker.Vulnerability{
		ID:      cve.ID,
		Payload: datatypes.JSON(item.CVE),
		Status:  cve.VulnStatus,
	}
	if vuln.Published, err = ParseNVDTime(cve.Published); err != nil {
		return vuln, nil, fmt.Errorf("published: %w", err)
	}
	if vuln.LastModified, err = ParseNVDTime(cve.LastModified); err != nil {
		return vuln, nil, fmt.Errorf("lastModified: %w", err)
	}

	cve.Descriptions.SelectLang("en").
		Or(OptionalFirst(cve.Descriptions)).
		IfSome(func(v Description) {
			vuln.Description = v.Value
		})

	vuln.Score, vuln.ScoreVersion, err = SelectScore(cve.Metrics)
	if err != nil {
		slog.Warn("could not compute score", "cve", cve.ID, "err", err)
	}

	criteria = VulnerableCriteria(cve.Configurations)
	vuln.Criteria = datatypes.JSONSlice[string](criteria)
	return vuln, criteria, nil
}

// VulnerableCriteria returns the distinct match criteria IDs of every
// vulnerable cpeMatch entry, in document order.
func VulnerableCriteria(configurations []Configuration) []string {
	seen := strset.New()
	criteria := []string{}
	for _, configuration := range configurations {
		for _, node := range configuration.Nodes {
			for _, match := range node.CPEMatch {
				if !match.Vulnerable || match.MatchCriteriaId == "" || seen.Has(match.MatchCriteriaId) {
					continue
				}
				seen.Add(match.MatchCriteriaId)
				criteria = append(criteria, match.MatchCriteriaId)
			}
		}
	}
	return criteria
}

func upsertVulnerability(tx *gorm.DB, vuln tracker.Vulnerability, criteria []string) error {
	result := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&vuln)
	if result.Error != nil {
		return fmt.Errorf("could not create or update cve %s: %w", vuln.ID, result.Error)
	}

	result = tx.Where("vulnerability_id = ?", vuln.ID).Delete(&tracker.VulnerabilityCriteria{})
	if result.Error != nil {
		return fmt.Errorf("could not clean up criteria of %s: %w", vuln.ID, result.Error)
	}
	if len(criteria) == 0 {
		return nil
	}

	links := make([]tracker.VulnerabilityCriteria, 0, len(criteria))
	for _, id := range criteria {
		links = append(links, tracker.VulnerabilityCriteria{VulnerabilityID: vuln.ID, CriteriaID: id})
	}
	result = tx.Create(&links)
	if result.Error != nil {
		return fmt.Errorf("could not link criteria of %s: %w", vuln.ID, result.Error)
	}
	return nil
}

// WritePlatformPage upserts the dictionary entries of one cpes page.
func WritePlatformPage(ctx context.Context, db *gorm.DB, items []ProductItem) BatchResult {
	return writeBatch(ctx, db, "cpe", items, func(tx *gorm.DB, item ProductItem) (string, error) {
		platform, err := ParsePlatform(item)
		if err != nil {
			return platform.ID, err
		}
		result := tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).
			Create(&platform)
		if result.Error != nil {
			return platform.ID, fmt.Errorf("could not create or update cpe: %w", result.Error)
		}
		return platform.ID, nil
	})
}

func ParsePlatform(item ProductItem) (platform tracker.Platform, err error) {
	entry := CPEEntry{}
	if err := json.Unmarshal(item.CPE, &entry); err != nil {
		return platform, fmt.Errorf("could not decode cpe: %w", err)
	}
	if !strings.HasPrefix(entry.CPEName, "cpe:2.3:") {
		return platform, fmt.Errorf("cpe name %q is not a formatted string binding", entry.CPEName)
	}
	if _, _, err := tracker.ParsePlatformID(entry.CPEName); err != nil {
		return platform, fmt.Errorf("invalid cpe name %q: %w", entry.CPEName, err)
	}

	platform = tracker.Platform{
		ID:         entry.CPEName,
		NameID:     entry.CPENameID,
		Payload:    datatypes.JSON(item.CPE),
		Deprecated: entry.Deprecated,
	}
	if platform.Created, err = ParseNVDTime(entry.Created); err != nil {
		return platform, fmt.Errorf("created: %w", err)
	}
	if platform.LastModified, err = ParseNVDTime(entry.LastModified); err != nil {
		return platform, fmt.Errorf("lastModified: %w", err)
	}
	for _, title := range entry.Titles {
		if title.Lang == "en" {
			platform.Title = title.Title
			break
		}
	}
	return platform, nil
}

// WriteMatchPage upserts the match strings of one cpematch page.
func WriteMatchPage(ctx context.Context, db *gorm.DB, items []MatchStringItem) BatchResult {
	return writeBatch(ctx, db, "cpematch", items, func(tx *gorm.DB, item MatchStringItem) (string, error) {
		match, err := ParseMatch(item)
		if err != nil {
			return match.ID, err
		}
		return match.ID, upsertMatch(tx, match)
	})
}

func ParseMatch(item MatchStringItem) (match tracker.MatchCriteria, err error) {
	entry := MatchString{}
	if err := json.Unmarshal(item.MatchString, &entry); err != nil {
		return match, fmt.Errorf("could not decode match string: %w", err)
	}
	if entry.MatchCriteriaID == "" {
		return match, fmt.Errorf("match string without matchCriteriaId")
	}

	platforms := strset.New()
	names := []string{}
	for _, matched := range entry.Matches {
		if matched.CPEName == "" || platforms.Has(matched.CPEName) {
			continue
		}
		platforms.Add(matched.CPEName)
		names = append(names, matched.CPEName)
	}

	match = tracker.MatchCriteria{
		ID:        entry.MatchCriteriaID,
		Criteria:  entry.Criteria,
		Platforms: datatypes.JSONSlice[string](names),
		Payload:   datatypes.JSON(item.MatchString),
	}
	if match.LastModified, err = ParseNVDTime(entry.LastModified); err != nil {
		return match, fmt.Errorf("lastModified: %w", err)
	}
	return match, nil
}

func upsertMatch(tx *gorm.DB, match tracker.MatchCriteria) error {
	result := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&match)
	if result.Error != nil {
		return fmt.Errorf("could not create or update match %s: %w", match.ID, result.Error)
	}

	result = tx.Where("criteria_id = ?", match.ID).Delete(&tracker.CriteriaPlatform{})
	if result.Error != nil {
		return fmt.Errorf("could not clean up platforms of %s: %w", match.ID, result.Error)
	}
	if len(match.Platforms) == 0 {
		return nil
	}

	links := make([]tracker.CriteriaPlatform, 0, len(match.Platforms))
	for _, platform := range match.Platforms {
		links = append(links, tracker.CriteriaPlatform{CriteriaID: match.ID, PlatformID: platform})
	}
	result = tx.CreateInBatches(&links, 500)
	if result.Error != nil {
		return fmt.Errorf("could not link platforms of %s: %w", match.ID, result.Error)
	}
	return nil
}
