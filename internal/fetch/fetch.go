// Package fetch wraps read-path network calls with an automatic fallback to
// a secondary source. One attempt per source, no retry: a stale fallback read
// is acceptable where a lost write is not.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StageError reports that both the primary and the fallback source failed,
// preserving which stage produced which failure.
type StageError struct {
	PrimaryErr  error
	FallbackErr error
}

func (e *StageError) Error() string {
	return "fetch: primary failed: " + e.PrimaryErr.Error() +
		"; fallback failed: " + e.FallbackErr.Error()
}

func (e *StageError) Unwrap() error {
	return e.FallbackErr
}

// Gateway performs the two-stage fetch. An optional per-host rate limiter
// keeps read paths polite toward shared mirrors.
type Gateway struct {
	client   *http.Client
	limiters map[string]*rate.Limiter
}

// NewGateway builds a gateway. timeout <= 0 selects 10s; limiters may be nil.
func NewGateway(timeout time.Duration, limiters map[string]*rate.Limiter) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		client:   &http.Client{Timeout: timeout},
		limiters: limiters,
	}
}

// FetchWithFallback attempts the primary source, then the fallback on any
// failure (transport error or non-2xx). If both fail, the returned error is a
// *StageError naming both causes.
func (g *Gateway) FetchWithFallback(ctx context.Context, primaryURL, fallbackURL string) ([]byte, error) {
	data, primaryErr := g.get(ctx, primaryURL)
	if primaryErr == nil {
		return data, nil
	}
	zap.L().Warn("fetch: primary source failed, trying fallback",
		zap.String("primary", primaryURL),
		zap.String("fallback", fallbackURL),
		zap.Error(primaryErr),
	)

	data, fallbackErr := g.get(ctx, fallbackURL)
	if fallbackErr == nil {
		return data, nil
	}
	return nil, &StageError{PrimaryErr: primaryErr, FallbackErr: fallbackErr}
}

func (g *Gateway) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := g.waitLimiter(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: build request %s", rawURL)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("fetch: %s returned status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read body %s", rawURL)
	}
	return data, nil
}

func (g *Gateway) waitLimiter(ctx context.Context, rawURL string) error {
	if len(g.limiters) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil // let the request itself report the bad URL
	}
	limiter, ok := g.limiters[u.Host]
	if !ok {
		return nil
	}
	return eris.Wrapf(limiter.Wait(ctx), "fetch: rate limit %s", u.Host)
}
