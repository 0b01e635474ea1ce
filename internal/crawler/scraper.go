package crawler

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/pkg/utils"
)

// Scraper errors.
var (
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	ErrNotFound             = errors.New("page not found")
	ErrBodyTooLarge         = errors.New("response body exceeds limit")
)

const defaultMaxBodyBytes int64 = 5 * 1024 * 1024

// Page is a fetched response body.
type Page struct {
	Body       []byte
	URL        string
	StatusCode int
	Duration   time.Duration
}

// Scraper fetches pages with rate limiting and config-driven retry logic.
type Scraper struct {
	client       *http.Client
	limiter      *rate.Limiter
	helper       *utils.HTTPHelper
	retryPolicy  config.RetryPolicy
	maxBodyBytes int64
	logger       *logger.Logger
}

// NewScraper creates a scraper from the crawler settings.
func NewScraper(cfg config.CrawlerConfig, retryPolicy config.RetryPolicy, log *logger.Logger) *Scraper {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	if retryPolicy.MaxAttempts < 1 {
		retryPolicy.MaxAttempts = 1
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Scraper{
		client: &http.Client{
			Timeout: timeout,
		},
		limiter:      limiter,
		helper:       utils.NewHTTPHelper(cfg.UserAgent),
		retryPolicy:  retryPolicy,
		maxBodyBytes: maxBody,
		logger:       log,
	}
}

// Fetch downloads url, retrying transport errors and temporary statuses.
// A 404 yields ErrNotFound without retrying. The context bounds every
// attempt, including the waits between them.
func (s *Scraper) Fetch(ctx context.Context, url string) (*Page, error) {
	var lastErr error

	start := time.Now()

	for attempt := 1; attempt <= s.retryPolicy.MaxAttempts; attempt++ {
		if delay := s.retryPolicy.GetRetryDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()

				return nil, ctx.Err()
			}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		page, retryable, err := s.fetchOnce(ctx, url)
		if err == nil {
			page.Duration = time.Since(start)

			return page, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !retryable {
			break
		}

		if s.logger != nil {
			s.logger.Debug("Fetch attempt failed", "url", url, "attempt", attempt, "error", err)
		}
	}

	return nil, lastErr
}

func (s *Scraper) fetchOnce(ctx context.Context, url string) (page *Page, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = s.helper.BuildHeaders(map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.8",
		"Accept-Encoding": "gzip, deflate, br",
	})

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, false, fmt.Errorf("%w: %s", ErrNotFound, url)
		}

		return nil, utils.IsRetryableStatus(resp.StatusCode), fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}

	body, err := readBody(resp, s.maxBodyBytes)
	if err != nil {
		return nil, !errors.Is(err, ErrBodyTooLarge), err
	}

	return &Page{Body: body, URL: url, StatusCode: resp.StatusCode}, false, nil
}

// readBody decodes the response according to Content-Encoding and enforces
// the size limit. It closes the body.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()

			return nil, fmt.Errorf("gzip decode: %w", err)
		}

		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, maxBytes)
	}

	return body, nil
}
