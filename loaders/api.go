package loaders

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	zen "github.com/wippyai/zen-runtime"
)

// HeaderProvider returns headers added to every request, after the static
// ones. Use it for short-lived credentials.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// APIConfig configures an API loader.
type APIConfig struct {
	// BaseURL is joined with the escaped key: GET {BaseURL}/{key}.
	BaseURL string

	Headers        http.Header
	HeaderProvider HeaderProvider

	// Timeout bounds each attempt. Default: 10s.
	Timeout time.Duration

	// MaxRetries applies to transport errors and 5xx responses.
	MaxRetries int
	// RetryDelay is the base of the exponential backoff. Default: 100ms.
	RetryDelay time.Duration
	// MaxRetryDelay caps a single wait. Default: 5s.
	MaxRetryDelay time.Duration

	// CacheTTL keeps successful responses in memory. Zero disables caching.
	CacheTTL time.Duration

	Client *http.Client
}

// API loads decisions from an HTTP endpoint.
type API struct {
	cfg APIConfig

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	content []byte
	expires time.Time
}

// NewAPI returns an API loader.
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api loader: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api loader: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(5*time.Second, cfg.RetryDelay)
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &API{cfg: cfg, cache: make(map[string]cached)}, nil
}

// Load implements zen.Loader. 404 means not found; 400, 401 and 403 fail
// without retrying.
func (a *API) Load(ctx context.Context, key string) ([]byte, error) {
	if content, ok := a.cached(key); ok {
		return content, nil
	}

	content, err := backoff.Retry(ctx, func() ([]byte, error) {
		content, retry, err := a.fetch(ctx, key)
		if err != nil && !retry {
			return nil, backoff.Permanent(err)
		}
		return content, err
	},
		backoff.WithBackOff(a.backOff()),
		backoff.WithMaxTries(uint(max(a.cfg.MaxRetries, 0))+1),
		backoff.WithMaxElapsedTime(0))
	if err != nil {
		return nil, err
	}

	out, err := normalize(key, content)
	if err != nil {
		return nil, err
	}
	a.store(key, out)
	return out, nil
}

// backOff doubles RetryDelay per attempt with 10% jitter, capped at
// MaxRetryDelay.
func (a *API) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryDelay
	b.MaxInterval = a.cfg.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

func (a *API) fetch(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request for %q: %w", key, err)
	}
	for k, vs := range a.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if a.cfg.HeaderProvider != nil {
		h, err := a.cfg.HeaderProvider(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("headers for %q: %w", key, err)
		}
		for k, vs := range h {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("load decision %q: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read decision %q: %w", key, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return body, false, nil
	case code == http.StatusNotFound:
		return nil, false, fmt.Errorf("decision %q (HTTP 404): %w", key, zen.ErrDecisionNotFound)
	case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
		return nil, false, fmt.Errorf("request rejected for %q (HTTP %d)", key, code)
	case code >= 500:
		return nil, true, fmt.Errorf("load decision %q (HTTP %d): %s", key, code, strings.TrimSpace(string(body)))
	default:
		return nil, false, fmt.Errorf("load decision %q (HTTP %d): %s", key, code, strings.TrimSpace(string(body)))
	}
}

func (a *API) cached(key string) ([]byte, bool) {
	if a.cfg.CacheTTL <= 0 {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(c.expires) {
		delete(a.cache, key)
		return nil, false
	}
	return c.content, true
}

func (a *API) store(key string, content []byte) {
	if a.cfg.CacheTTL <= 0 {
		return
	}
	a.mu.Lock()
	a.cache[key] = cached{content: content, expires: time.Now().Add(a.cfg.CacheTTL)}
	a.mu.Unlock()
}

// Evict drops key from the response cache.
func (a *API) Evict(key string) {
	a.mu.Lock()
	delete(a.cache, key)
	a.mu.Unlock()
}
