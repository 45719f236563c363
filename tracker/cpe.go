package tracker

import (
	"strings"

	"github.com/facebookincubator/nvdtools/wfn"
)

// ParsePlatformID validates a CPE name in URI (cpe:/) or formatted string
// (cpe:2.3:) binding. The name is returned unchanged so that it keeps
// matching the names stored by the feed import.
func ParsePlatformID(id string) (string, *wfn.Attributes, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil, Validation("missing_cpe", "cpe is required")
	}
	attrs, err := wfn.Parse(id)
	if err != nil {
		return "", nil, Validation("invalid_cpe", "cpe is not a valid CPE name")
	}
	if attrs.Part == "" || attrs.Vendor == "" || attrs.Product == "" {
		return "", nil, Validation("invalid_cpe", "cpe must name a part, vendor and product")
	}
	return id, attrs, nil
}
