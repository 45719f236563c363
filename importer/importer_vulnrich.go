package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/moznion/go-optional"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/localtalent/cve-tracker/importer/vulnrich"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

// VulnrichFeed updates the local vulnrichment clone and stores the SSVC
// decisions of every record updated within the lookup period. A zero
// period imports everything.
func VulnrichFeed(ctx context.Context, db *gorm.DB, config tracker.Vulnrich, now time.Time) (int, error) {
	slog.Info("Fetching vulnrichment repository", "remote", config.Remote, "path", config.Path)
	repo, err := vulnrich.GetRepo(ctx, config.Remote, config.Path)
	if err != nil {
		return 0, err
	}

	err = vulnrich.UpdateRepo(ctx, repo)
	if err != nil {
		return 0, fmt.Errorf("could not update vulnrichment repo: %w", err)
	}

	since := time.Time{}
	if config.LookupPeriod.Duration > 0 {
		since = now.Add(-config.LookupPeriod.Duration)
	}

	imported := 0
	err = vulnrich.WalkCVEFiles(repo, func(name string, content io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		record := vulnrich.Record{}
		data, err := io.ReadAll(content)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", name, err)
		}
		if err := json.Unmarshal(data, &record); err != nil {
			slog.Error("could not unmarshal vulnrich record", "filename", name, "err", err)
			return nil
		}
		if record.Updated().Before(since) {
			return nil
		}

		enrichment := EnrichmentFromRecord(record)
		if enrichment.IsNone() {
			return nil
		}
		if err := StoreEnrichment(ctx, db, enrichment.Unwrap()); err != nil {
			slog.Error("could not process vulnrich record", "cve", record.CveMetadata.CveID, "err", err)
			return nil
		}
		imported++
		return nil
	})
	if err != nil {
		return imported, fmt.Errorf("could not walk vulnrichment records: %w", err)
	}

	slog.Info("Imported vulnrichment records", "count", imported)
	return imported, nil
}

// EnrichmentFromRecord extracts the SSVC decision of a published record.
func EnrichmentFromRecord(record vulnrich.Record) optional.Option[tracker.VulnerabilityEnrichment] {
	if record.CveMetadata.State == vulnrich.CveStateREJECTED || record.CveMetadata.CveID == "" {
		return optional.None[tracker.VulnerabilityEnrichment]()
	}

	return optional.Map(record.SSVC(), func(v vulnrich.Decision) tracker.VulnerabilityEnrichment {
		return tracker.VulnerabilityEnrichment{
			VulnerabilityID: record.CveMetadata.CveID,
			Exploitation:    v.Exploitation,
			Automatable:     v.Automatable,
			TechnicalImpact: v.TechnicalImpact,
			SourceUpdated:   v.Updated,
		}
	})
}

func StoreEnrichment(ctx context.Context, db *gorm.DB, enrichment tracker.VulnerabilityEnrichment) error {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vulnerability_id"}},
			UpdateAll: true,
		}).
		Create(&enrichment)
	if result.Error != nil {
		return fmt.Errorf("could not create or update enrichment for %s: %w", enrichment.VulnerabilityID, result.Error)
	}
	return nil
}
