package importer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

func TestBuildUrlReturnsValidUrl(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{})
	require.NoError(err, "unexpected error")

	require.NotEmpty(result)

	parsedUrl, err := url.Parse(result)
	require.NoError(err)
	require.Equal("example.com", parsedUrl.Host)
	require.Equal("/api/test/", parsedUrl.Path)
	require.Equal("https", parsedUrl.Scheme)
}

func TestBuildUrlNoRejected(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{NoRejected()})
	require.NoError(err)

	url, err := url.Parse(result)
	require.NoError(err)
	query := url.Query()

	require.Contains(query, "noRejected", "Query parameter noRejected should be present")
}

func TestBuildUrlLastModWindow(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl(
		"https://example.com/api/%s/",
		"cves",
		[]RequestOptionsFunc{
			LastModStart(time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)),
			LastModEnd(time.Date(2023, 8, 7, 12, 30, 0, 0, time.UTC)),
		},
	)
	require.NoError(err)

	url, err := url.Parse(result)
	require.NoError(err)
	query := url.Query()

	require.Equal("2023-08-01T00:00:00.000Z", query.Get("lastModStartDate"))
	require.Equal("2023-08-07T12:30:00.000Z", query.Get("lastModEndDate"))
}

func TestBuildUrlLastModStartSetsEndIfMissing(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl(
		"https://example.com/api/%s/",
		"cves",
		[]RequestOptionsFunc{LastModStart(time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC))},
	)
	require.NoError(err)

	url, err := url.Parse(result)
	require.NoError(err)
	require.NotEmpty(url.Query().Get("lastModEndDate"))
}

func TestBuildUrlLastModEndRequiresStart(t *testing.T) {
	require := require.New(t)

	_, err := buildUrl(
		"https://example.com/api/%s/",
		"cves",
		[]RequestOptionsFunc{LastModEnd(time.Date(2023, 8, 2, 0, 0, 0, 0, time.UTC))},
	)
	require.Error(err)
}

func TestBuildUrlStartIndex(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{StartIndex(1)})
	require.NoError(err)

	url, err := url.Parse(result)
	require.NoError(err)
	query := url.Query()

	startIndex := query.Get("startIndex")

	require.Equal("1", startIndex)
}

func TestBuildUrlResultsPerPage(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{ResultsPerPage(200)})
	require.NoError(err)

	url, err := url.Parse(result)
	require.NoError(err)
	query := url.Query()

	resultsPerPage := query.Get("resultsPerPage")

	require.Equal("200", resultsPerPage)

	_, err = buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{ResultsPerPage(0)})
	require.Error(err)
}

func testNVDConfig(endpoint string, attempts int) tracker.NVD {
	return tracker.NVD{
		Endpoint:   endpoint + "/%s/2.0",
		APIKey:     "secret",
		Timeout:    tracker.Duration{Duration: 5 * time.Second},
		MaxRetries: attempts,
		RetryStep:  tracker.Duration{Duration: time.Millisecond},
		PageSize:   tracker.PageSize{CVE: 2, CPE: 2, Match: 2},
		MaxWindow:  tracker.Duration{Duration: 100 * 24 * time.Hour},
	}
}

func TestFetchPageRetriesUntilSuccess(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int32
	var apiKey, path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		apiKey.Store(r.Header.Get("apiKey"))
		path.Store(r.URL.Path)
		w.Write([]byte(`{"resultsPerPage":0,"startIndex":0,"totalResults":0,"vulnerabilities":[]}`))
	}))
	defer server.Close()

	client := NewClient(testNVDConfig(server.URL, 5), nil)
	resp, err := client.FetchPage(context.Background(), FeedCVE, StartIndex(0))
	require.NoError(err)
	require.Zero(resp.TotalResults)
	require.EqualValues(3, calls.Load())
	require.Equal("secret", apiKey.Load())
	require.Equal("/cves/2.0", path.Load())
}

func TestFetchPageRetriesExhausted(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testNVDConfig(server.URL, 3), nil)
	_, err := client.FetchPage(context.Background(), FeedCPE)
	require.ErrorIs(err, ErrRetriesExhausted)
	require.EqualValues(3, calls.Load())
}

func TestPacerSpacesCalls(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	pacer := NewPacer(50 * time.Millisecond)
	start := time.Now()
	require.NoError(pacer.Wait(ctx))
	require.NoError(pacer.Wait(ctx))
	require.GreaterOrEqual(time.Since(start), 40*time.Millisecond)

	unlimited := NewPacer(0)
	start = time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(unlimited.Wait(ctx))
	}
	require.Less(time.Since(start), 40*time.Millisecond)
}

func TestSelectLangFallsBackToFirst(t *testing.T) {
	require := require.New(t)

	descriptions := Descriptions{
		{Lang: "es", Value: "Desbordamiento"},
		{Lang: "en", Value: "Overflow"},
	}
	require.Equal("Overflow", descriptions.SelectLang("en").TakeOr(Description{}).Value)

	missing := descriptions.SelectLang("de").Or(OptionalFirst(descriptions))
	require.Equal("Desbordamiento", missing.TakeOr(Description{}).Value)

	require.True(Descriptions{}.SelectLang("en").IsNone())
}
