package vulnrich

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/moznion/go-optional"
)

type CveState string

const (
	CveStatePUBLISHED CveState = "PUBLISHED"
	CveStateREJECTED  CveState = "REJECTED"
)

// DateTime accepts the CVE 5 timestamps, which may lack a zone.
type DateTime struct {
	time.Time
}

var _ json.Unmarshaler = (*DateTime)(nil)

var dateTimeFormats = []string{
	"2006-01-02T15:04:05.999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func (t *DateTime) UnmarshalJSON(b []byte) error {
	var value string
	err := json.Unmarshal(b, &value)
	if err != nil {
		return err
	}

	var parsed time.Time
	for _, format := range dateTimeFormats {
		parsed, err = time.Parse(format, value)
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}

	*t = DateTime{parsed.UTC()}
	return nil
}

type ProviderMetadata struct {
	DateUpdated DateTime `json:"dateUpdated"`
	OrgID       string   `json:"orgId"`
	ShortName   string   `json:"shortName"`
}

// Options holds one SSVC decision point per element; the vulnrichment
// records spread the three points over three single-key objects.
type Options struct {
	Exploitation    string `json:"Exploitation,omitempty"`
	Automatable     string `json:"Automatable,omitempty"`
	TechnicalImpact string `json:"Technical Impact,omitempty"`
}

type Content struct {
	Timestamp DateTime  `json:"timestamp"`
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Version   string    `json:"version"`
	Options   []Options `json:"options"`
}

type OtherMetric struct {
	Type    string  `json:"type"`
	Content Content `json:"content"`
}

type Metric struct {
	Format string                       `json:"format"`
	Other  optional.Option[OtherMetric] `json:"other"`
}

type CveContainer struct {
	ProviderMetadata ProviderMetadata        `json:"providerMetadata"`
	Title            optional.Option[string] `json:"title"`
	Metrics          []Metric                `json:"metrics"`
}

type Containers struct {
	Cna CveContainer   `json:"cna"`
	Adp []CveContainer `json:"adp"`
}

type CveMetadata struct {
	DateUpdated DateTime `json:"dateUpdated"`
	CveID       string   `json:"cveId"`
	State       CveState `json:"state"`
}

type Record struct {
	CveMetadata CveMetadata `json:"cveMetadata"`
	DataType    string      `json:"dataType"`
	DataVersion string      `json:"dataVersion"`
	Containers  Containers  `json:"containers"`
}

// Decision is the merged SSVC assessment of a record.
type Decision struct {
	Exploitation    string
	Automatable     string
	TechnicalImpact string
	Updated         time.Time
}

// SSVC returns the first SSVC assessment found in the ADP containers.
func (r Record) SSVC() optional.Option[Decision] {
	for _, container := range r.Containers.Adp {
		for _, metric := range container.Metrics {
			other, err := metric.Other.Take()
			if err != nil || !strings.EqualFold(other.Type, "ssvc") {
				continue
			}

			decision := Decision{Updated: container.ProviderMetadata.DateUpdated.Time}
			if !other.Content.Timestamp.IsZero() {
				decision.Updated = other.Content.Timestamp.Time
			}
			for _, option := range other.Content.Options {
				if option.Exploitation != "" {
					decision.Exploitation = strings.ToLower(option.Exploitation)
				}
				if option.Automatable != "" {
					decision.Automatable = strings.ToLower(option.Automatable)
				}
				if option.TechnicalImpact != "" {
					decision.TechnicalImpact = strings.ToLower(option.TechnicalImpact)
				}
			}
			return optional.Some(decision)
		}
	}
	return optional.None[Decision]()
}

// Updated is the most recent update of any container, falling back to the
// record metadata.
func (r Record) Updated() time.Time {
	updated := r.CveMetadata.DateUpdated.Time
	for _, container := range append([]CveContainer{r.Containers.Cna}, r.Containers.Adp...) {
		if container.ProviderMetadata.DateUpdated.After(updated) {
			updated = container.ProviderMetadata.DateUpdated.Time
		}
	}
	return updated
}
