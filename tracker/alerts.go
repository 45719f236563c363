package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AlertView is an alert joined with its vulnerability.
type AlertView struct {
	TenantID        uint                `json:"tenant_id"`
	VulnerabilityID string              `json:"vulnerability_id"`
	PlatformID      string              `json:"platform_id"`
	Active          bool                `json:"active"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Score           decimal.NullDecimal `json:"score"`
	ScoreVersion    string              `json:"score_version"`
	Status          string              `json:"status"`
	Description     string              `json:"description"`
	Published       time.Time           `json:"published"`
	Exploitation    string              `json:"exploitation,omitempty"`
	Automatable     string              `json:"automatable,omitempty"`
	TechnicalImpact string              `json:"technical_impact,omitempty"`
	Severity        Severity            `gorm:"-" json:"severity"`
	Threat          *float64            `gorm:"-" json:"threat,omitempty"`
}

const alertViewColumns = `alert.tenant_id, alert.vulnerability_id, alert.platform_id, alert.active,
alert.created_at, alert.updated_at, vulnerability.score, vulnerability.score_version,
vulnerability.status, vulnerability.description, vulnerability.published,
vulnerability_enrichment.exploitation, vulnerability_enrichment.automatable,
vulnerability_enrichment.technical_impact`

// AlertFilter selects alerts of one tenant.
type AlertFilter struct {
	Severity Severity
	Search   string
}

type AlertStatusFilter string

const (
	AlertStatusAll      AlertStatusFilter = "ALL"
	AlertStatusActive   AlertStatusFilter = "ACTIVE"
	AlertStatusInactive AlertStatusFilter = "INACTIVE"
)

type AlertQuery struct {
	PageRequest
	AlertFilter
	Status  AlertStatusFilter
	SortAsc bool
}

func (f AlertFilter) scope(tenantID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("alert.tenant_id = ?", tenantID).Scopes(alertSeverityScope(f.Severity))
		if search := strings.TrimSpace(f.Search); search != "" {
			pattern := likePattern(search)
			db = db.Where(
				likeExpr("alert.vulnerability_id")+" OR "+likeExpr("alert.platform_id"),
				pattern, pattern,
			)
		}
		return db
	}
}

// ListAlerts returns a page of the tenant's alerts ordered by updated_at.
func (s *Service) ListAlerts(ctx context.Context, tenantID uint, query AlertQuery) (Page[AlertView], error) {
	base := s.read(ctx).Model(&Alert{}).Scopes(query.AlertFilter.scope(tenantID))
	switch query.Status {
	case AlertStatusActive:
		base = base.Where("alert.active = ?", true)
	case AlertStatusInactive:
		base = base.Where("alert.active = ?", false)
	}

	order := "alert.updated_at DESC"
	if query.SortAsc {
		order = "alert.updated_at ASC"
	}

	page, err := paginate[AlertView](base, query.PageRequest, func(db *gorm.DB) *gorm.DB {
		return db.
			Select(alertViewColumns).
			Joins("LEFT JOIN vulnerability ON vulnerability.id = alert.vulnerability_id").
			Joins("LEFT JOIN vulnerability_enrichment ON vulnerability_enrichment.vulnerability_id = alert.vulnerability_id").
			Order(order)
	})
	if err != nil {
		return page, Internal(err)
	}

	now := s.now()
	for i := range page.Items {
		s.decorate(&page.Items[i], now)
	}
	return page, nil
}

func (s *Service) decorate(view *AlertView, now time.Time) {
	view.Severity = SeverityFor(view.Score)
	if s.scorer == nil {
		return
	}
	in := NewThreatInput(
		view.Score,
		view.ScoreVersion,
		view.Status,
		view.Published,
		VulnerabilityEnrichment{
			Exploitation:    view.Exploitation,
			Automatable:     view.Automatable,
			TechnicalImpact: view.TechnicalImpact,
		},
		now,
	)
	threat, err := s.scorer.Threat(in)
	if err != nil {
		slog.Warn("could not compute threat score", "cve", view.VulnerabilityID, "err", err)
		return
	}
	view.Threat = &threat
}

// CriticalActiveCount counts the tenant's active alerts with a critical
// score.
func (s *Service) CriticalActiveCount(ctx context.Context, tenantID uint) (count int64, err error) {
	err = s.read(ctx).Model(&Alert{}).
		Where("alert.tenant_id = ? AND alert.active = ?", tenantID, true).
		Scopes(alertSeverityScope(SeverityCritical)).
		Count(&count).Error
	if err != nil {
		return 0, Internal(fmt.Errorf("could not count critical alerts: %w", err))
	}
	return count, nil
}

func (s *Service) GetAlert(ctx context.Context, key AlertKey, opts ...ReadOption) (alert Alert, err error) {
	err = s.read(ctx, opts...).
		Where("tenant_id = ? AND vulnerability_id = ? AND platform_id = ?", key.TenantID, key.VulnerabilityID, key.PlatformID).
		Take(&alert).Error
	if err != nil {
		return alert, notFoundOr(err, "alert_not_found", "alert not found")
	}
	return alert, nil
}

// SetAlertActiveDirect flips the active flag with a direct statement. The
// updated_at column and the audit log are left untouched.
func (s *Service) SetAlertActiveDirect(ctx context.Context, key AlertKey, active bool) error {
	_, err := s.GetAlert(ctx, key)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE alert SET active = ? WHERE tenant_id = ? AND vulnerability_id = ? AND platform_id = ? AND deleted_at IS NULL`,
		active, key.TenantID, key.VulnerabilityID, key.PlatformID,
	)
	if result.Error != nil {
		return Internal(fmt.Errorf("could not update alert: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return Conflict("conflict", "alert was removed or modified concurrently")
	}
	return nil
}

// UpdateAlert sets the active flag through the audited path, which bumps
// updated_at.
func (s *Service) UpdateAlert(ctx context.Context, key AlertKey, active bool) (alert Alert, err error) {
	err = s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.
			Where("tenant_id = ? AND vulnerability_id = ? AND platform_id = ?", key.TenantID, key.VulnerabilityID, key.PlatformID).
			Take(&alert).Error
		if err != nil {
			return notFoundOr(err, "alert_not_found", "alert not found")
		}
		err = Update(tx, &alert, map[string]any{"active": active})
		if errors.Is(err, ErrNoRows) {
			return Conflict("conflict", "alert was removed or modified concurrently")
		}
		return err
	})
	if err != nil {
		return alert, AsError(err)
	}
	return alert, nil
}

func (s *Service) DeleteAlert(ctx context.Context, key AlertKey) error {
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		alert := Alert{}
		err := tx.
			Where("tenant_id = ? AND vulnerability_id = ? AND platform_id = ?", key.TenantID, key.VulnerabilityID, key.PlatformID).
			Take(&alert).Error
		if err != nil {
			return notFoundOr(err, "alert_not_found", "alert not found")
		}
		err = SoftDelete(tx, &alert)
		if errors.Is(err, ErrNoRows) {
			return Conflict("conflict", "alert was removed or modified concurrently")
		}
		return err
	})
	if err != nil {
		return AsError(err)
	}
	return nil
}

// BulkSetActive activates or deactivates every alert matching filter that
// is not already in the requested state. It returns the number of changed
// alerts.
func (s *Service) BulkSetActive(ctx context.Context, tenantID uint, filter AlertFilter, active bool) (int64, error) {
	result := s.read(ctx).Model(&Alert{}).
		Scopes(filter.scope(tenantID)).
		Where("alert.active = ?", !active).
		Updates(map[string]any{"active": active})
	if result.Error != nil {
		return 0, Internal(fmt.Errorf("could not update alerts: %w", result.Error))
	}

	slog.Info("alerts updated in bulk",
		"tenant", tenantID,
		"active", active,
		"severity", filter.Severity,
		"search", filter.Search,
		"count", result.RowsAffected,
	)
	return result.RowsAffected, nil
}
