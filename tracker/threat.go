package tracker

import (
	"time"

	"github.com/shopspring/decimal"
)

// ThreatInput is what a threat rule sees about one vulnerability.
type ThreatInput struct {
	Score           float64 `expr:"score"`
	HasScore        bool    `expr:"has_score"`
	Version         string  `expr:"version"`
	Status          string  `expr:"status"`
	Exploitation    string  `expr:"exploitation"`
	Automatable     string  `expr:"automatable"`
	TechnicalImpact string  `expr:"technical_impact"`
	AgeDays         float64 `expr:"age_days"`
}

type ThreatScorer interface {
	Threat(ThreatInput) (float64, error)
}

func WithThreatScorer(scorer ThreatScorer) ServiceOption {
	return func(s *Service) {
		s.scorer = scorer
	}
}

// NewThreatInput builds the rule environment from stored columns.
func NewThreatInput(
	score decimal.NullDecimal,
	version, status string,
	published time.Time,
	enrichment VulnerabilityEnrichment,
	now time.Time,
) ThreatInput {
	in := ThreatInput{
		HasScore:        score.Valid,
		Version:         version,
		Status:          status,
		Exploitation:    enrichment.Exploitation,
		Automatable:     enrichment.Automatable,
		TechnicalImpact: enrichment.TechnicalImpact,
	}
	if score.Valid {
		in.Score = score.Decimal.InexactFloat64()
	}
	if !published.IsZero() {
		in.AgeDays = now.Sub(published).Hours() / 24
	}
	return in
}
