package align

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Fetch defaults applied to zero FetchConfig fields
const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 500 * time.Millisecond
	DefaultFetchMaxBytes = 128 << 20
)

// errPermanent marks a fetch failure that another attempt cannot fix
var errPermanent = errors.New("not retryable")

// CloudFetcher downloads reference and sensor clouds over HTTP. Failed
// requests are retried with doubling delays; 4xx responses other than 429
// and undecodable bodies fail at once.
type CloudFetcher struct {
	cfg    FetchConfig
	client *http.Client
}

// NewCloudFetcher fills unset fields of cfg with the defaults. A nil client
// gets one with cfg.Timeout.
func NewCloudFetcher(cfg FetchConfig, client *http.Client) *CloudFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultFetchAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultFetchBackoff
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultFetchMaxBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &CloudFetcher{cfg: cfg, client: client}
}

// Config returns the effective settings
func (f *CloudFetcher) Config() FetchConfig {
	return f.cfg
}

// Fetch downloads url and decodes the body with DecodeCloud
func (f *CloudFetcher) Fetch(ctx context.Context, url string) (*CloudData, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch cloud: URL is empty")
	}

	delay := f.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("fetch cloud: %w", ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		}

		body, err := f.get(ctx, url)
		if err == nil {
			cloud, err := DecodeCloud(body)
			if err != nil {
				return nil, fmt.Errorf("fetch cloud: decoding %s: %w", url, err)
			}
			return cloud, nil
		}
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cloud: %w", err)
		}
		log.Printf("[FETCH] %s: attempt %d/%d failed: %v", url, attempt, f.cfg.Attempts, err)
		lastErr = err
	}

	return nil, fmt.Errorf("fetch cloud: all %d attempts failed: %w", f.cfg.Attempts, lastErr)
}

// get performs one GET and returns the body, capped at MaxBytes
func (f *CloudFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	default:
		return nil, fmt.Errorf("GET %s: status %d: %w", url, resp.StatusCode, errPermanent)
	}

	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, fmt.Errorf("GET %s: %d bytes exceeds limit of %d: %w", url, resp.ContentLength, f.cfg.MaxBytes, errPermanent)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("GET %s: body exceeds limit of %d bytes: %w", url, f.cfg.MaxBytes, errPermanent)
	}
	return body, nil
}
