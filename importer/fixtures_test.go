package importer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type cveFixture struct {
	ID           string
	Status       string
	LastModified string
	Score        string
	Vector       string
	Version      string
	Criteria     []string
	NotAffected  []string
}

func (f cveFixture) raw(t testing.TB) json.RawMessage {
	t.Helper()
	status := f.Status
	if status == "" {
		status = "Analyzed"
	}
	lastModified := f.LastModified
	if lastModified == "" {
		lastModified = "2024-02-01T10:00:00.000"
	}
	version := f.Version
	if version == "" {
		version = "3.1"
	}

	matches := []map[string]any{}
	for _, id := range f.Criteria {
		matches = append(matches, map[string]any{
			"vulnerable":      true,
			"criteria":        "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*",
			"matchCriteriaId": id,
		})
	}
	for _, id := range f.NotAffected {
		matches = append(matches, map[string]any{
			"vulnerable":      false,
			"criteria":        "cpe:2.3:o:linux:linux_kernel:-:*:*:*:*:*:*:*",
			"matchCriteriaId": id,
		})
	}

	metrics := map[string]any{}
	if f.Score != "" || f.Vector != "" {
		data := map[string]any{"version": version, "vectorString": f.Vector}
		if f.Score != "" {
			data["baseScore"] = json.Number(f.Score)
		}
		key := map[string]string{"4.0": "cvssMetricV40", "3.1": "cvssMetricV31", "3.0": "cvssMetricV30", "2.0": "cvssMetricV2"}[version]
		metrics[key] = []any{map[string]any{"source": "nvd@nist.gov", "type": "Primary", "cvssData": data}}
	}

	cve := map[string]any{
		"id":           f.ID,
		"published":    "2024-01-15T08:00:00.000",
		"lastModified": lastModified,
		"vulnStatus":   status,
		"descriptions": []any{
			map[string]any{"lang": "es", "value": "descripción"},
			map[string]any{"lang": "en", "value": "description of " + f.ID},
		},
		"metrics":        metrics,
		"configurations": []any{map[string]any{"nodes": []any{map[string]any{"operator": "OR", "cpeMatch": matches}}}},
	}
	data, err := json.Marshal(cve)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func cpeRaw(name, created string) json.RawMessage {
	return json.RawMessage(`{"cpeName":"` + name + `","cpeNameId":"7c6a2b4e-0000-4000-8000-000000000000` +
		`","created":"` + created + `","lastModified":"` + created +
		`","deprecated":false,"titles":[{"title":"Title of ` + name + `","lang":"en"}]}`)
}

func matchRaw(id string, platforms ...string) json.RawMessage {
	matches := []string{}
	for _, platform := range platforms {
		matches = append(matches, `{"cpeName":"`+platform+`","cpeNameId":"x"}`)
	}
	return json.RawMessage(`{"matchCriteriaId":"` + id +
		`","criteria":"cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*","lastModified":"2024-02-01T10:00:00.000","status":"Active","matches":[` +
		strings.Join(matches, ",") + `]}`)
}

var feedKeys = map[Feed][2]string{
	FeedCVE:   {"vulnerabilities", "cve"},
	FeedCPE:   {"products", "cpe"},
	FeedMatch: {"matchStrings", "matchString"},
}

// fakeNVD serves the three feeds from memory, honoring startIndex and
// resultsPerPage, and records every query it receives.
type fakeNVD struct {
	mu      sync.Mutex
	items   map[Feed][]json.RawMessage
	queries []url.Values
	fail    bool
}

func newFakeNVD(t *testing.T) (*fakeNVD, *httptest.Server) {
	fake := &fakeNVD{items: map[Feed][]json.RawMessage{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeNVD) set(feed Feed, items ...json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[feed] = items
}

func (f *fakeNVD) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeNVD) recorded() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

func (f *fakeNVD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	feed := Feed(strings.Split(strings.Trim(r.URL.Path, "/"), "/")[0])
	query := r.URL.Query()
	f.queries = append(f.queries, query)

	start, _ := strconv.Atoi(query.Get("startIndex"))
	size, _ := strconv.Atoi(query.Get("resultsPerPage"))
	all := f.items[feed]
	end := min(start+size, len(all))
	page := []json.RawMessage{}
	if start < len(all) {
		page = all[start:end]
	}

	keys := feedKeys[feed]
	wrapped := []map[string]json.RawMessage{}
	for _, item := range page {
		wrapped = append(wrapped, map[string]json.RawMessage{keys[1]: item})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"resultsPerPage": len(page),
		"startIndex":     start,
		"totalResults":   len(all),
		"format":         "NVD_CVE",
		"version":        "2.0",
		keys[0]:          wrapped,
	})
}
