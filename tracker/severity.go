package tracker

import (
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
	SeverityAll      Severity = "ALL"
)

// CriticalThreshold is the lowest score counted as critical.
var CriticalThreshold = decimal.NewFromInt(9)

var severityBounds = []struct {
	severity Severity
	min      decimal.Decimal
}{
	{SeverityCritical, decimal.NewFromInt(9)},
	{SeverityHigh, decimal.NewFromInt(7)},
	{SeverityMedium, decimal.NewFromInt(4)},
	{SeverityLow, decimal.RequireFromString("0.1")},
}

func SeverityFor(score decimal.NullDecimal) Severity {
	if !score.Valid {
		return SeverityUnknown
	}
	for _, bound := range severityBounds {
		if score.Decimal.GreaterThanOrEqual(bound.min) {
			return bound.severity
		}
	}
	return SeverityUnknown
}

func IsCritical(score decimal.NullDecimal) bool {
	return score.Valid && score.Decimal.GreaterThanOrEqual(CriticalThreshold)
}

// ParseSeverity accepts a severity name in any case. An empty string means
// SeverityAll.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityAll, nil
	}
	switch sev := Severity(strings.ToUpper(s)); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown, SeverityAll:
		return sev, nil
	}
	return "", Validation("invalid_severity", "severity must be one of CRITICAL, HIGH, MEDIUM, LOW, UNKNOWN or ALL")
}

// alertSeverityScope filters alert rows by the severity of their
// vulnerability. Alerts whose vulnerability is not loaded count as unknown.
func alertSeverityScope(sev Severity) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch sev {
		case SeverityCritical:
			return db.Where("alert.vulnerability_id IN (SELECT id FROM vulnerability WHERE score >= ?)", 9)
		case SeverityHigh:
			return db.Where("alert.vulnerability_id IN (SELECT id FROM vulnerability WHERE score >= ? AND score < ?)", 7, 9)
		case SeverityMedium:
			return db.Where("alert.vulnerability_id IN (SELECT id FROM vulnerability WHERE score >= ? AND score < ?)", 4, 7)
		case SeverityLow:
			return db.Where("alert.vulnerability_id IN (SELECT id FROM vulnerability WHERE score >= ? AND score < ?)", 0.1, 4)
		case SeverityUnknown:
			return db.Where("alert.vulnerability_id NOT IN (SELECT id FROM vulnerability WHERE score >= ?)", 0.1)
		default:
			return db
		}
	}
}
