// Package alerts keeps the alert table in line with the vulnerability
// mirror and tells tenants about new alerts.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/scylladb/go-set/strset"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeRestored Outcome = "restored"
	OutcomeNoChange Outcome = "no_change"
)

// ActiveStatuses are the NVD statuses that raise alerts.
var ActiveStatuses = []string{"Analyzed", "Modified", "Reserved", "Deferred"}

var activeStatuses = strset.New(ActiveStatuses...)

func IsActiveStatus(status string) bool {
	return activeStatuses.Has(status)
}

// CreateOrRestore makes sure an active, non-deleted alert exists for key.
// An alert that already is active is left untouched, including its
// updated_at.
func CreateOrRestore(tx *gorm.DB, key tracker.AlertKey, now time.Time) (Outcome, error) {
	tx = tx.Session(&gorm.Session{})
	alert := tracker.Alert{
		TenantID:        key.TenantID,
		VulnerabilityID: key.VulnerabilityID,
		PlatformID:      key.PlatformID,
		Active:          true,
	}
	alert.CreatedAt = now
	alert.UpdatedAt = now

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&alert)
	if result.Error != nil {
		return OutcomeNoChange, fmt.Errorf("could not create alert %s: %w", alert.AuditKey(), result.Error)
	}
	if result.RowsAffected == 1 {
		return OutcomeCreated, tracker.AppendAudit(tx, tracker.OpCreate, alert, nil, alert)
	}

	before := tracker.Alert{}
	err := tx.Unscoped().
		Where("tenant_id = ? AND vulnerability_id = ? AND platform_id = ?", key.TenantID, key.VulnerabilityID, key.PlatformID).
		Take(&before).Error
	if err != nil {
		return OutcomeNoChange, fmt.Errorf("could not read alert %s: %w", alert.AuditKey(), err)
	}

	result = tx.Unscoped().
		Model(&tracker.Alert{}).
		Where("tenant_id = ? AND vulnerability_id = ? AND platform_id = ?", key.TenantID, key.VulnerabilityID, key.PlatformID).
		Where("active = ? OR deleted_at IS NOT NULL", false).
		UpdateColumns(map[string]any{
			"active":     true,
			"deleted_at": nil,
			"updated_at": now,
		})
	if result.Error != nil {
		return OutcomeNoChange, fmt.Errorf("could not restore alert %s: %w", alert.AuditKey(), result.Error)
	}
	if result.RowsAffected == 0 {
		return OutcomeNoChange, nil
	}

	return OutcomeRestored, tracker.AppendAudit(tx, tracker.OpUpdate, alert, before, alert)
}

// Engine reconciles alerts after vulnerability updates and product scans.
type Engine struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	now        func() time.Time
}

type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(db *gorm.DB, dispatcher *Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{db: db, dispatcher: dispatcher, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReconcileVulnerabilities creates or restores the alerts of every product
// affected by ids. Each vulnerability is handled in its own transaction;
// a failing one does not undo the others. Notices for the committed
// changes are dispatched in the cve_update context.
func (e *Engine) ReconcileVulnerabilities(ctx context.Context, ids []string) error {
	var errs *multierror.Error
	batch := NewBatch()

	for _, id := range ids {
		changed, err := e.reconcileVulnerability(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		for _, key := range changed {
			batch.Add(key.TenantID, key.PlatformID, key.VulnerabilityID)
		}
	}

	if batch.Len() > 0 && e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, batch, ContextCVEUpdate)
	}
	return errs.ErrorOrNil()
}

func (e *Engine) reconcileVulnerability(ctx context.Context, id string) (changed []tracker.AlertKey, err error) {
	now := e.now().UTC()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed = nil
		vuln := tracker.Vulnerability{}
		err := tx.Select("id", "status").Where("id = ?", id).Take(&vuln).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Warn("vulnerability not found for alert update", "cve", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read vulnerability: %w", err)
		}
		if !IsActiveStatus(vuln.Status) {
			slog.Debug("skipping vulnerability with inactive status", "cve", id, "status", vuln.Status)
			return nil
		}

		var platforms []string
		err = tx.Model(&tracker.CriteriaPlatform{}).
			Distinct("criteria_platform.platform_id").
			Joins("JOIN vulnerability_criteria ON vulnerability_criteria.criteria_id = criteria_platform.criteria_id").
			Where("vulnerability_criteria.vulnerability_id = ?", id).
			Pluck("criteria_platform.platform_id", &platforms).Error
		if err != nil {
			return fmt.Errorf("could not resolve platforms: %w", err)
		}
		if len(platforms) == 0 {
			return nil
		}

		var products []tracker.Product
		err = tx.Where("platform_id IN ?", platforms).
			Order("tenant_id, platform_id").
			Find(&products).Error
		if err != nil {
			return fmt.Errorf("could not find affected products: %w", err)
		}

		for _, product := range products {
			key := tracker.AlertKey{TenantID: product.TenantID, VulnerabilityID: id, PlatformID: product.PlatformID}
			outcome, err := CreateOrRestore(tx, key, now)
			if err != nil {
				return err
			}
			if outcome != OutcomeNoChange {
				slog.Info("alert updated", "outcome", outcome, "tenant", key.TenantID, "cve", id, "cpe", key.PlatformID)
				changed = append(changed, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// ScanResult lists the vulnerabilities a product scan raised.
type ScanResult struct {
	Created  []string
	Restored []string
	// Found is false when the platform is not in the CPE dictionary.
	Found bool
	// Removed is true when the tenant no longer has the product.
	Removed bool
}

// ReconcileProduct raises the alerts of a newly registered product. The
// tenant is notified in the new_product context even when nothing was
// raised. A platform missing from the dictionary, or a product removed
// before the scan ran, is logged and skipped.
func (e *Engine) ReconcileProduct(ctx context.Context, tenantID uint, platformID string) (result ScanResult, err error) {
	now := e.now().UTC()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = ScanResult{}
		var count int64
		err := tx.Model(&tracker.Platform{}).Where("id = ?", platformID).Count(&count).Error
		if err != nil {
			return fmt.Errorf("could not look up platform: %w", err)
		}
		if count == 0 {
			return nil
		}
		result.Found = true

		err = tx.Where("tenant_id = ? AND platform_id = ?", tenantID, platformID).Take(&tracker.Product{}).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Removed = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not look up product: %w", err)
		}

		var ids []string
		err = tx.Model(&tracker.Vulnerability{}).
			Distinct("vulnerability.id").
			Joins("JOIN vulnerability_criteria ON vulnerability_criteria.vulnerability_id = vulnerability.id").
			Joins("JOIN criteria_platform ON criteria_platform.criteria_id = vulnerability_criteria.criteria_id").
			Where("criteria_platform.platform_id = ?", platformID).
			Where("vulnerability.status IN ?", ActiveStatuses).
			Order("vulnerability.id").
			Pluck("vulnerability.id", &ids).Error
		if err != nil {
			return fmt.Errorf("could not find vulnerabilities: %w", err)
		}

		for _, id := range ids {
			key := tracker.AlertKey{TenantID: tenantID, VulnerabilityID: id, PlatformID: platformID}
			outcome, err := CreateOrRestore(tx, key, now)
			if err != nil {
				return err
			}
			switch outcome {
			case OutcomeCreated:
				result.Created = append(result.Created, id)
			case OutcomeRestored:
				result.Restored = append(result.Restored, id)
			}
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("could not scan product %s: %w", platformID, err)
	}

	if !result.Found {
		slog.Warn("product scan skipped, cpe not found", "tenant", tenantID, "cpe", platformID)
		return result, nil
	}
	if result.Removed {
		slog.Warn("product scan skipped, product not found", "tenant", tenantID, "cpe", platformID)
		return result, nil
	}
	slog.Info("product scanned", "tenant", tenantID, "cpe", platformID, "created", len(result.Created), "restored", len(result.Restored))

	if e.dispatcher != nil {
		batch := NewBatch()
		batch.Add(tenantID, platformID, result.Created...)
		batch.Add(tenantID, platformID, result.Restored...)
		e.dispatcher.Dispatch(ctx, batch, ContextNewProduct)
	}
	return result, nil
}
