// Package store provides the FHIR server client used to resolve
// references. Fetches are batched: references are grouped by resource
// type and requested as a single _id search per type, chunked to stay
// within URL limits.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
)

const (
	// DefaultTimeout for HTTP requests.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the number of ids sent per _id search.
	DefaultPageSize = 100

	// DefaultRetries bounds the retry attempts per request.
	DefaultRetries = 3
)

// DataStore is the fetch surface the resolver depends on. The result
// maps each found relative reference to its resource; requested
// references absent from the map did not exist on the server.
type DataStore interface {
	FetchByReferences(ctx context.Context, refs []string) (map[string]*fx.Resource, error)
}

// Client is a FHIR data store client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	retries    int
	logger     zerolog.Logger
	metrics    *fx.Metrics
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets the FHIR server base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithPageSize sets how many ids go into one _id search.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRetries bounds the retry attempts per failed request.
func WithRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics wires fetch counters into shared metrics.
func WithMetrics(m *fx.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a new data store client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		pageSize: DefaultPageSize,
		retries:  DefaultRetries,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// searchBundle is the subset of a FHIR searchset bundle needed here.
type searchBundle struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

// FetchByReferences resolves the given relative references in as few
// requests as possible. Malformed references are skipped; references the
// server does not know stay absent from the result. A chunk that
// exhausts its retries is logged and dropped, so one failing resource
// type cannot discard the resources other chunks already returned.
func (c *Client) FetchByReferences(ctx context.Context, refs []string) (map[string]*fx.Resource, error) {
	idsByType := make(map[string][]string)
	for _, ref := range refs {
		resourceType, id, err := fx.ParseRef(ref)
		if err != nil {
			c.logger.Warn().Str("ref", ref).Msg("skipping malformed reference")
			continue
		}
		idsByType[resourceType] = append(idsByType[resourceType], id)
	}

	types := make([]string, 0, len(idsByType))
	for t := range idsByType {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make(map[string]*fx.Resource, len(refs))
	for _, resourceType := range types {
		ids := idsByType[resourceType]
		for start := 0; start < len(ids); start += c.pageSize {
			end := start + c.pageSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := c.fetchChunk(ctx, resourceType, ids[start:end], out); err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				c.logger.Warn().Err(err).
					Str("type", resourceType).
					Int("ids", end-start).
					Msg("chunk fetch failed, its references stay unresolved")
				continue
			}
		}
	}

	if c.metrics != nil {
		c.metrics.RecordFetch(len(out))
	}
	return out, nil
}

// fetchChunk runs one "Type?_id=a,b,c" search, following pagination
// links, and adds each returned resource to out.
func (c *Client) fetchChunk(ctx context.Context, resourceType string, ids []string, out map[string]*fx.Resource) error {
	query := url.Values{}
	query.Set("_id", strings.Join(ids, ","))
	query.Set("_count", fmt.Sprintf("%d", len(ids)))
	next := fmt.Sprintf("%s/%s?%s", c.baseURL, resourceType, query.Encode())

	for next != "" {
		body, err := c.getWithRetry(ctx, next)
		if err != nil {
			return fmt.Errorf("fetch %s batch: %w", resourceType, err)
		}

		var bundle searchBundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return fmt.Errorf("decode %s search bundle: %w", resourceType, err)
		}
		if bundle.ResourceType != "Bundle" {
			return fmt.Errorf("expected search Bundle for %s, got %q", resourceType, bundle.ResourceType)
		}

		for _, entry := range bundle.Entry {
			res, err := fx.NewResource(entry.Resource)
			if err != nil {
				c.logger.Warn().Err(err).Str("type", resourceType).Msg("skipping unparseable search entry")
				continue
			}
			out[res.Ref()] = res
		}

		next = ""
		for _, link := range bundle.Link {
			if link.Relation == "next" {
				next = link.URL
				break
			}
		}
	}
	return nil
}

// getWithRetry performs a GET, retrying transient failures with linear
// backoff. Responses other than 200 and 5xx fail immediately.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			c.logger.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("url", rawURL).
				Msg("retrying fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, retryable, err := c.get(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		if c.metrics != nil {
			c.metrics.RecordFetchFailure()
		}
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("read response: %w", err)
		}
		return data, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
