package tracker

import (
	"context"
	"fmt"
	"strings"
)

const (
	MinSearchLength    = 3
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

type PlatformSearch struct {
	Results []string `json:"results"`
	HasMore bool     `json:"has_more"`
}

// SearchPlatforms looks up CPE names containing term. Terms shorter than
// MinSearchLength return no results.
func (s *Service) SearchPlatforms(ctx context.Context, term string, offset, limit int) (PlatformSearch, error) {
	result := PlatformSearch{Results: []string{}}
	term = strings.TrimSpace(term)
	if len(term) < MinSearchLength {
		return result, nil
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	var ids []string
	err := s.read(ctx).Model(&Platform{}).
		Where(likeExpr("id"), likePattern(term)).
		Order("id").
		Offset(offset).
		Limit(limit+1).
		Pluck("id", &ids).Error
	if err != nil {
		return result, Internal(fmt.Errorf("could not search platforms: %w", err))
	}

	if len(ids) > limit {
		result.HasMore = true
		ids = ids[:limit]
	}
	result.Results = append(result.Results, ids...)
	return result, nil
}

type VulnerabilityDetail struct {
	Vulnerability
	Severity   Severity                 `json:"severity"`
	Platforms  []string                 `json:"platforms"`
	Enrichment *VulnerabilityEnrichment `json:"enrichment,omitempty"`
}

// GetVulnerability returns a vulnerability with the platforms its criteria
// resolve to.
func (s *Service) GetVulnerability(ctx context.Context, id string) (detail VulnerabilityDetail, err error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	err = s.read(ctx).Where("id = ?", id).Take(&detail.Vulnerability).Error
	if err != nil {
		return detail, notFoundOr(err, "cve_not_found", "vulnerability not found")
	}
	detail.Severity = SeverityFor(detail.Score)

	detail.Platforms = []string{}
	err = s.read(ctx).Model(&CriteriaPlatform{}).
		Distinct("criteria_platform.platform_id").
		Joins("JOIN vulnerability_criteria ON vulnerability_criteria.criteria_id = criteria_platform.criteria_id").
		Where("vulnerability_criteria.vulnerability_id = ?", id).
		Order("criteria_platform.platform_id").
		Pluck("criteria_platform.platform_id", &detail.Platforms).Error
	if err != nil {
		return detail, Internal(fmt.Errorf("could not resolve platforms of %s: %w", id, err))
	}

	var enrichment []VulnerabilityEnrichment
	err = s.read(ctx).Where("vulnerability_id = ?", id).Limit(1).Find(&enrichment).Error
	if err != nil {
		return detail, Internal(fmt.Errorf("could not load enrichment of %s: %w", id, err))
	}
	if len(enrichment) > 0 {
		detail.Enrichment = &enrichment[0]
	}
	return detail, nil
}
