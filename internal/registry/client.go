// Package registry provides a client for the bulk facility registry API.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
	"facilitysync/pkg/utils"
)

// Registry API errors.
var (
	ErrSoftDependency       = errors.New("registry api unavailable")
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	ErrNoData               = errors.New("no data in response")
)

// maxPageBytes bounds a single page response.
const maxPageBytes = 10 * 1024 * 1024

// maxPages stops a misbehaving API that never returns an empty page.
const maxPages = 10000

// Client defines the interface for reading candidate facilities.
type Client interface {
	FetchAll(ctx context.Context) ([]models.Candidate, error)
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient pages through a JSON registry endpoint.
type HTTPClient struct {
	httpClient *http.Client
	helper     *utils.HTTPHelper
	retry      config.RetryPolicy
	endpoint   string
	apiKey     string
	pageSize   int
	logger     *logger.Logger
}

// Page is one page of the registry response. The API returns either a bare
// JSON array or an object wrapping the array in "docs" or "data".
type Page struct {
	Docs []models.Candidate `json:"docs"`
	Data []models.Candidate `json:"data"`
}

// Items returns the candidates carried by the page.
func (p *Page) Items() []models.Candidate {
	if len(p.Docs) > 0 {
		return p.Docs
	}

	return p.Data
}

// NewHTTPClient creates a registry client.
func NewHTTPClient(cfg config.RegistryConfig, retry config.RetryPolicy, userAgent string, log *logger.Logger) *HTTPClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		helper:   utils.NewHTTPHelper(userAgent),
		retry:    retry,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		logger:   log,
	}
}

// FetchAll reads every page until the API returns an empty or short page.
// Any failure is wrapped in ErrSoftDependency.
func (c *HTTPClient) FetchAll(ctx context.Context) ([]models.Candidate, error) {
	var all []models.Candidate

	for page := 1; page <= maxPages; page++ {
		items, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrSoftDependency, page, err)
		}

		all = append(all, items...)

		if c.logger != nil {
			c.logger.Debug("Fetched registry page", "page", page, "items", len(items))
		}

		if len(items) < c.pageSize {
			return all, nil
		}
	}

	return all, nil
}

func (c *HTTPClient) fetchPage(ctx context.Context, page int) ([]models.Candidate, error) {
	pageURL, err := c.pageURL(page)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if delay := c.retry.GetRetryDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()

				return nil, ctx.Err()
			}
		}

		body, status, err := c.do(ctx, pageURL)
		if err == nil {
			return DecodePage(body)
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Only retry transport errors and temporary statuses
		if status != 0 && !utils.IsRetryableStatus(status) {
			break
		}

		if c.logger != nil {
			c.logger.Warn("Registry request failed", "page", page, "attempt", attempt, "error", err)
		}
	}

	return nil, lastErr
}

func (c *HTTPClient) pageURL(page int) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid registry endpoint: %w", err)
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// do returns the body, the status code (0 on transport error) and an error.
func (c *HTTPClient) do(ctx context.Context, pageURL string) (body []byte, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = c.helper.BuildHeaders(map[string]string{"Accept": "application/json"})

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close response body: %w", closeErr)
		}
	}()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatusCode, resp.StatusCode,
			utils.NewStringHelper().TruncateString(string(body), 200))
	}

	return body, resp.StatusCode, nil
}

// DecodePage parses a page body in any of the accepted shapes.
func DecodePage(body []byte) ([]models.Candidate, error) {
	if len(body) == 0 {
		return nil, ErrNoData
	}

	if items, err := Unmarshal[[]models.Candidate](body); err == nil {
		return *items, nil
	}

	page, err := Unmarshal[Page](body)
	if err != nil {
		return nil, err
	}

	return page.Items(), nil
}

// Unmarshal decodes data into a new value of type T.
func Unmarshal[T any](data []byte) (*T, error) {
	var target T
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("failed to parse response data: %w", err)
	}

	return &target, nil
}
