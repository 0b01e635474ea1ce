// Package crawler fetches facility detail pages and extracts enrichment data.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
	"facilitysync/pkg/utils"
)

// ErrInvalidBaseURL indicates a crawler base URL that is not absolute http(s).
var ErrInvalidBaseURL = errors.New("invalid crawler base url")

// searchPath is appended to the base URL for facility lookups.
const searchPath = "/search"

// DetailClient looks up one facility by name and address and returns its
// enriched record.
type DetailClient struct {
	scraper *Scraper
	parser  *Parser
	baseURL *url.URL
	logger  *logger.Logger
}

// NewDetailClient creates a detail client with default dependencies.
func NewDetailClient(cfg config.CrawlerConfig, retry config.RetryPolicy, log *logger.Logger) (*DetailClient, error) {
	return NewDetailClientWithDeps(cfg.BaseURL, NewScraper(cfg, retry, log), NewParser(), log)
}

// NewDetailClientWithDeps creates a detail client with injected dependencies.
func NewDetailClientWithDeps(baseURL string, scraper *Scraper, parser *Parser, log *logger.Logger) (*DetailClient, error) {
	if !utils.NewHTTPHelper("").IsValidURL(baseURL) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	return &DetailClient{
		scraper: scraper,
		parser:  parser,
		baseURL: u,
		logger:  log,
	}, nil
}

// DetailURL returns the lookup URL for a facility.
func (c *DetailClient) DetailURL(name, address string) string {
	u := *c.baseURL
	u.Path += searchPath

	q := url.Values{}
	q.Set("name", name)
	q.Set("address", address)
	u.RawQuery = q.Encode()

	return u.String()
}

// Enrich fetches the detail page for a facility. It returns nil without an
// error when the source has no page or the page carries no details.
func (c *DetailClient) Enrich(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
	detailURL := c.DetailURL(name, address)

	page, err := c.scraper.Fetch(ctx, detailURL)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch details for %q: %w", name, err)
	}

	details, err := c.parser.ParseDetails(page.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse details for %q: %w", name, err)
	}

	if details.Empty() {
		if c.logger != nil {
			c.logger.Debug("No details found", "name", name, "url", detailURL)
		}

		return nil, nil
	}

	rec := &models.FacilityRecord{
		Name:       name,
		Address:    address,
		Attributes: details.Attributes(),
	}
	rec.SetAttr(AttrSourceURL, detailURL)

	return rec, nil
}
