package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidOptions = errors.New("invalid client options")

type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

type ClientOptions struct {
	InstanceURL string
	AccountID   string
	AccessToken string
	PageSize    int
	MaxRetries  int
	HTTPClient  *http.Client
	Budget      *RateBudget
	Logger      *slog.Logger
	// CorrelationID is sent as X-Correlation-Id on every request when set.
	CorrelationID string
}

// Client walks the statuses collection of one account.
type Client struct {
	instanceURL   string
	accountID     string
	token         string
	pageSize      int
	maxRetries    int
	httpClient    *http.Client
	budget        *RateBudget
	logger        *slog.Logger
	correlationID string
}

type FetchOptions struct {
	// SinceID is sent on the first page only; later pages follow the
	// remote's next link, so the walk drops statuses at or below SinceID and
	// stops at the first page that reaches it.
	SinceID   string
	PageLimit int
	MaxItems  int
}

type FetchResult struct {
	// Items are ordered oldest-first.
	Items   []Item
	Pages   int
	Skipped int
	// SkippedIDs are the ids of skipped statuses whose id could still be
	// read. Those statuses exist remotely even though they were not usable.
	SkippedIDs []string
	// Exhausted reports that the walk stopped because the remote had no
	// further pages, so the result reaches the start of the collection.
	Exhausted bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	instanceURL := strings.TrimRight(strings.TrimSpace(opts.InstanceURL), "/")
	if instanceURL == "" {
		return nil, fmt.Errorf("%w: instance url is required", ErrInvalidOptions)
	}
	if _, err := url.Parse(instanceURL); err != nil {
		return nil, fmt.Errorf("%w: instance url: %v", ErrInvalidOptions, err)
	}
	accountID := strings.TrimSpace(opts.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidOptions)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 40
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	budget := opts.Budget
	if budget == nil {
		budget = NewRateBudget(RateBudgetOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		instanceURL:   instanceURL,
		accountID:     accountID,
		token:         strings.TrimSpace(opts.AccessToken),
		pageSize:      pageSize,
		maxRetries:    maxRetries,
		httpClient:    httpClient,
		budget:        budget,
		logger:        logger,
		correlationID: strings.TrimSpace(opts.CorrelationID),
	}, nil
}

func (c *Client) InstanceURL() string {
	return c.instanceURL
}

func (c *Client) AccountID() string {
	return c.accountID
}

// Fetch walks pages until the remote has no next page, PageLimit pages were
// read, MaxItems items were collected, or a page reaches back to SinceID. Any failure aborts the whole walk:
// the result is empty and the error is set.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (FetchResult, error) {
	pageURL := c.firstPageURL(opts.SinceID)
	sinceID := strings.TrimSpace(opts.SinceID)
	var (
		collected []Item
		result    FetchResult
	)
	for pageURL != "" {
		if opts.PageLimit > 0 && result.Pages >= opts.PageLimit {
			break
		}
		raws, next, err := c.getPage(ctx, pageURL)
		if err != nil {
			c.logger.Error("fetch aborted", "page", result.Pages+1, "error", err)
			return FetchResult{}, err
		}
		result.Pages++
		for _, raw := range raws {
			item, err := ValidateStatus(raw)
			if err != nil {
				result.Skipped++
				id := rawStatusID(raw)
				if id != "" && (sinceID == "" || CompareIDs(id, sinceID) > 0) {
					result.SkippedIDs = append(result.SkippedIDs, id)
				}
				c.logger.Warn("skipping invalid status", "page", result.Pages, "id", id, "error", err)
				continue
			}
			if sinceID != "" && CompareIDs(item.ID, sinceID) <= 0 {
				continue
			}
			collected = append(collected, item)
		}
		c.logger.Info("fetched page", "page", result.Pages, "items", len(raws), "total", len(collected))
		if opts.MaxItems > 0 && len(collected) >= opts.MaxItems {
			collected = collected[:opts.MaxItems]
			break
		}
		if len(raws) == 0 || next == "" {
			result.Exhausted = true
			break
		}
		if sinceID != "" && pageReachesID(raws, sinceID) {
			break
		}
		pageURL = next
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	result.Items = collected
	return result, nil
}

func (c *Client) firstPageURL(sinceID string) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("exclude_replies", "false")
	q.Set("exclude_reblogs", "true")
	if sinceID = strings.TrimSpace(sinceID); sinceID != "" {
		q.Set("since_id", sinceID)
	}
	return fmt.Sprintf("%s/api/v1/accounts/%s/statuses?%s", c.instanceURL, url.PathEscape(c.accountID), q.Encode())
}

func (c *Client) getPage(ctx context.Context, pageURL string) ([]json.RawMessage, string, error) {
	for attempt := 0; ; attempt++ {
		if waited, err := c.budget.Acquire(ctx); err != nil {
			return nil, "", err
		} else if waited > 0 {
			c.logger.Info("rate limit wait finished", "waited", waited.String())
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if id := correlationID(ctx, c.correlationID); id != "" {
			req.Header.Set("X-Correlation-Id", id)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("get %s: %w", pageURL, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, "", fmt.Errorf("read %s: %w", pageURL, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			c.logger.Warn("rate limited by remote", "attempt", attempt+1, "reset", resp.Header.Get(HeaderRateReset))
			c.budget.Exhaust(resp.Header)
			continue
		}
		c.budget.Observe(resp.Header)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var errPayload struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(payload, &errPayload)
			return nil, "", &HTTPError{StatusCode: resp.StatusCode, URL: pageURL, Message: errPayload.Error}
		}

		var raws []json.RawMessage
		if err := json.Unmarshal(payload, &raws); err != nil {
			return nil, "", fmt.Errorf("decode page %s: %w", pageURL, err)
		}
		next := ""
		if link, ok := ParseLinkHeader(resp.Header.Get("Link"))["next"]; ok {
			next = resolveReference(pageURL, link)
		}
		return raws, next, nil
	}
}

// rawStatusID reads just the id of a status that failed validation.
func rawStatusID(raw json.RawMessage) string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	if id := strings.TrimSpace(partial.ID); IsValidID(id) {
		return id
	}
	return ""
}

// pageReachesID reports whether the oldest readable id on a page is at or
// below id, so later pages hold nothing newer.
func pageReachesID(raws []json.RawMessage, id string) bool {
	for i := len(raws) - 1; i >= 0; i-- {
		if got := rawStatusID(raws[i]); got != "" {
			return CompareIDs(got, id) <= 0
		}
	}
	return false
}

type correlationKey struct{}

// WithCorrelationID attaches an id that requests made with ctx send as
// X-Correlation-Id, overriding ClientOptions.CorrelationID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, strings.TrimSpace(id))
}

func correlationID(ctx context.Context, fallback string) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return fallback
}

// ParseLinkHeader maps each rel of an RFC 8288 Link header to its target.
func ParseLinkHeader(header string) map[string]string {
	links := map[string]string{}
	rest := header
	for {
		start := strings.Index(rest, "<")
		if start < 0 {
			return links
		}
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			return links
		}
		target := strings.TrimSpace(rest[start+1 : start+end])
		rest = rest[start+end+1:]
		params := rest
		if next := strings.Index(rest, "<"); next >= 0 {
			params = rest[:next]
		}
		for _, param := range strings.Split(params, ";") {
			key, value, found := strings.Cut(strings.TrimSpace(param), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			value = strings.Trim(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(value), ",")), `"`)
			for _, rel := range strings.Fields(value) {
				if _, exists := links[rel]; !exists {
					links[rel] = target
				}
			}
		}
	}
}

func resolveReference(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
