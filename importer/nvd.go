package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/moznion/go-optional"
	"golang.org/x/time/rate"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

const NVDEndpoint = "https://services.nvd.nist.gov/rest/json/%s/2.0"

// Feed is the path segment of an NVD API v2 endpoint.
type Feed string

const (
	FeedCVE   Feed = "cves"
	FeedCPE   Feed = "cpes"
	FeedMatch Feed = "cpematch"
)

// LoadJob is the progress row owned by the full load of f.
func (f Feed) LoadJob() string {
	switch f {
	case FeedCVE:
		return tracker.JobCVELoad
	case FeedCPE:
		return tracker.JobCPELoad
	case FeedMatch:
		return tracker.JobMatchLoad
	}
	return string(f) + "_load"
}

// ErrRetriesExhausted is returned when every attempt of a request failed.
var ErrRetriesExhausted = errors.New("nvd: retries exhausted")

// Response is one page of any of the three feeds. Items are kept raw so
// that a malformed record only fails itself.
type Response struct {
	ResultsPerPage  int               `json:"resultsPerPage"`
	StartIndex      int               `json:"startIndex"`
	TotalResults    int               `json:"totalResults"`
	Format          string            `json:"format"`
	Version         string            `json:"version"`
	Timestamp       string            `json:"timestamp"`
	Vulnerabilities []Vulnerability   `json:"vulnerabilities"`
	Products        []ProductItem     `json:"products"`
	MatchStrings    []MatchStringItem `json:"matchStrings"`
}

// Len is the number of items on the page, whatever the feed.
func (r *Response) Len() int {
	return len(r.Vulnerabilities) + len(r.Products) + len(r.MatchStrings)
}

type Vulnerability struct {
	CVE json.RawMessage `json:"cve"`
}

type ProductItem struct {
	CPE json.RawMessage `json:"cpe"`
}

type MatchStringItem struct {
	MatchString json.RawMessage `json:"matchString"`
}

type CVE struct {
	ID               string          `json:"id"`
	SourceIdentifier string          `json:"sourceIdentifier"`
	Published        string          `json:"published"`
	LastModified     string          `json:"lastModified"`
	VulnStatus       string          `json:"vulnStatus"`
	Descriptions     Descriptions    `json:"descriptions"`
	Metrics          Metric          `json:"metrics"`
	Configurations   []Configuration `json:"configurations"`
	Weaknesses       []Weakness      `json:"weaknesses"`
	References       []Reference     `json:"references"`
}

type Descriptions []Description

func (d Descriptions) SelectLang(lang string) optional.Option[Description] {
	return OptionalFind(d, func(description Description) bool {
		return description.Lang == lang
	})
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type CvssMetrics []CvssMetric

func (c CvssMetrics) SelectByType(typ string) CvssMetrics {
	var selected CvssMetrics
	for _, metric := range c {
		if metric.Type == typ {
			selected = append(selected, metric)
		}
	}
	return selected
}

type Metric struct {
	CvssMetricV40 CvssMetrics `json:"cvssMetricV40"`
	CvssMetricV31 CvssMetrics `json:"cvssMetricV31"`
	CvssMetricV30 CvssMetrics `json:"cvssMetricV30"`
	CvssMetricV2  CvssMetrics `json:"cvssMetricV2"`
}

// cvssPriority is the order in which primary metrics are preferred.
var cvssPriority = []string{"4.0", "3.1", "3.0", "2.0"}

// Primary returns the Primary metric of the most recent CVSS version.
func (m Metric) Primary() optional.Option[CvssMetric] {
	var primary CvssMetrics
	for _, metrics := range []CvssMetrics{m.CvssMetricV40, m.CvssMetricV31, m.CvssMetricV30, m.CvssMetricV2} {
		primary = append(primary, metrics.SelectByType("Primary")...)
	}

	for _, version := range cvssPriority {
		found := OptionalFind(primary, func(metric CvssMetric) bool {
			return metric.CvssData.Version == version
		})
		if found.IsSome() {
			return found
		}
	}
	return OptionalFirst(primary)
}

type CvssMetric struct {
	Source   string   `json:"source"`
	Type     string   `json:"type"`
	CvssData CvssData `json:"cvssData"`
}

type CvssData struct {
	Version      string      `json:"version"`
	VectorString string      `json:"vectorString"`
	BaseScore    json.Number `json:"baseScore"`
	BaseSeverity string      `json:"baseSeverity"`
}

type Configuration struct {
	Operator string `json:"operator"`
	Nodes    []Node `json:"nodes"`
}

type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate"`
	CPEMatch []CPEMatch `json:"cpeMatch"`
}

// CPEMatch is one entry of a configuration node. Only the criteria string
// and its ID are kept; the version bounds are resolved by the match feed.
type CPEMatch struct {
	Vulnerable      bool   `json:"vulnerable"`
	Criteria        string `json:"criteria"`
	MatchCriteriaId string `json:"matchCriteriaId"`
}

type Weakness struct {
	Source       string       `json:"source"`
	Type         string       `json:"type"`
	Descriptions Descriptions `json:"description"`
}

type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

// CPEEntry is one record of the cpes feed.
type CPEEntry struct {
	CPEName      string   `json:"cpeName"`
	CPENameID    string   `json:"cpeNameId"`
	Created      string   `json:"created"`
	LastModified string   `json:"lastModified"`
	Deprecated   bool     `json:"deprecated"`
	Titles       []Title  `json:"titles"`
	Refs         []CPERef `json:"refs"`
}

type Title struct {
	Title string `json:"title"`
	Lang  string `json:"lang"`
}

type CPERef struct {
	Ref  string `json:"ref"`
	Type string `json:"type"`
}

// MatchString is one record of the cpematch feed.
type MatchString struct {
	MatchCriteriaID string       `json:"matchCriteriaId"`
	Criteria        string       `json:"criteria"`
	LastModified    string       `json:"lastModified"`
	Status          string       `json:"status"`
	Matches         []MatchedCPE `json:"matches"`
}

type MatchedCPE struct {
	CPEName   string `json:"cpeName"`
	CPENameID string `json:"cpeNameId"`
}

type RequestOptionsFunc func(url.Values) error

func NoRejected() RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("noRejected", "")
		return nil
	}
}

func StartIndex(index int) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("startIndex", strconv.Itoa(index))
		return nil
	}
}

func ResultsPerPage(nr int) RequestOptionsFunc {
	return func(q url.Values) error {
		if nr < 1 {
			return fmt.Errorf("results per page must be positive, got %d", nr)
		}
		q.Set("resultsPerPage", strconv.Itoa(nr))
		return nil
	}
}

// nvdTimeFormat is accepted by every v2 endpoint for date range parameters.
const nvdTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LastModStart sets the start of the last-modified range. The API requires
// both ends, so a missing end is set to now.
func LastModStart(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("lastModStartDate", date.UTC().Format(nvdTimeFormat))
		if q.Get("lastModEndDate") == "" {
			q.Set("lastModEndDate", time.Now().UTC().Format(nvdTimeFormat))
		}
		return nil
	}
}

func LastModEnd(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("lastModEndDate", date.UTC().Format(nvdTimeFormat))
		if q.Get("lastModStartDate") == "" {
			return errors.New("lastModEndDate requires lastModStartDate")
		}
		return nil
	}
}

func buildUrl(endpoint, api string, options []RequestOptionsFunc) (string, error) {
	apiUrl, err := url.Parse(fmt.Sprintf(endpoint, api))
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	query := url.Values{}
	for _, option := range options {
		err = option(query)
		if err != nil {
			return "", fmt.Errorf("failed to apply option: %w", err)
		}
	}

	apiUrl.RawQuery = query.Encode()
	return apiUrl.String(), nil
}

// Client fetches pages of the NVD API v2 feeds.
type Client struct {
	Endpoint string
	APIKey   string

	http *retryablehttp.Client
}

// NewClient configures a client from config. A failed attempt n waits
// RetryStep*n before the next one, up to MaxRetries attempts in total.
func NewClient(config tracker.NVD, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = NVDEndpoint
	}
	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	step := config.RetryStep.Duration

	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = cleanhttp.DefaultPooledClient()
	httpClient.HTTPClient.Timeout = config.Timeout.Duration
	httpClient.Logger = logger
	httpClient.RetryMax = attempts - 1
	httpClient.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return step * time.Duration(attemptNum+1)
	}
	httpClient.CheckRetry = checkRetry
	httpClient.ErrorHandler = exhausted

	return &Client{
		Endpoint: endpoint,
		APIKey:   config.APIKey,
		http:     httpClient,
	}
}

// checkRetry retries on transport errors and on any non-2xx status.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return false, nil
}

func exhausted(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		resp.Body.Close()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
}

// FetchPage performs one GET against feed.
func (c *Client) FetchPage(ctx context.Context, feed Feed, options ...RequestOptionsFunc) (*Response, error) {
	requestUrl, err := buildUrl(c.Endpoint, string(feed), options)
	if err != nil {
		return nil, fmt.Errorf("failed to build url: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("apiKey", c.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", feed, err)
	}
	defer resp.Body.Close()

	nvdResp := &Response{}
	err = json.NewDecoder(resp.Body).Decode(nvdResp)
	if err != nil {
		return nil, fmt.Errorf("could not decode %s page: %w", feed, err)
	}
	return nvdResp, nil
}

// Pacer enforces a minimum interval between consecutive requests. Time
// spent between two calls to Wait counts toward the interval.
type Pacer struct {
	limiter *rate.Limiter
}

func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
