package importer

import (
	"fmt"
	"math"
	"strings"

	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"
	"github.com/shopspring/decimal"
)

// ScoreFromVector computes the base score of a CVSS vector string.
func ScoreFromVector(vector string) (float64, error) {
	switch {
	case strings.HasPrefix(vector, "CVSS:3.0"):
		cvss, err := gocvss30.ParseVector(vector)
		if err != nil {
			return 0, fmt.Errorf("unable to parse CVSS v3 vector: %w", err)
		}
		return roundScore(cvss.BaseScore()), nil
	case strings.HasPrefix(vector, "CVSS:3.1"):
		cvss, err := gocvss31.ParseVector(vector)
		if err != nil {
			return 0, fmt.Errorf("unable to parse CVSS v3.1 vector: %w", err)
		}
		return roundScore(cvss.BaseScore()), nil
	case strings.HasPrefix(vector, "CVSS:4.0"):
		cvss, err := gocvss40.ParseVector(vector)
		if err != nil {
			return 0, fmt.Errorf("unable to parse CVSS v4.0 vector: %w", err)
		}
		return roundScore(cvss.Score()), nil
	default:
		cvss, err := gocvss20.ParseVector(vector)
		if err != nil {
			return 0, fmt.Errorf("unable to parse CVSS v2 vector: %w", err)
		}
		return roundScore(cvss.BaseScore()), nil
	}
}

// roundScore rounds up to the nearest tenth, following the first.org
// floating point rules.
func roundScore(score float64) float64 {
	intInput := int(math.Round(score * 100000))
	if intInput%10000 == 0 {
		return float64(intInput) / 100000.0
	}
	return (math.Floor(float64(intInput)/10000.0) + 1) / 10.0
}

// SelectScore returns the base score and CVSS version of the preferred
// primary metric. The score is invalid when the record has no usable
// metric.
func SelectScore(m Metric) (decimal.NullDecimal, string, error) {
	metric, err := m.Primary().Take()
	if err != nil {
		return decimal.NullDecimal{}, "", nil
	}
	data := metric.CvssData

	if data.BaseScore != "" {
		score, err := decimal.NewFromString(data.BaseScore.String())
		if err != nil {
			return decimal.NullDecimal{}, data.Version, fmt.Errorf("invalid base score %q: %w", data.BaseScore, err)
		}
		return decimal.NewNullDecimal(score), data.Version, nil
	}
	if data.VectorString == "" {
		return decimal.NullDecimal{}, data.Version, nil
	}

	score, err := ScoreFromVector(data.VectorString)
	if err != nil {
		return decimal.NullDecimal{}, data.Version, err
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(score)), data.Version, nil
}
