// Package proxy is the single egress point for all upstream HTTP. It
// selects the active provider per call, enforces mandatory-proxy policy,
// rotates exit ports with independent failure windows, and counts usage.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

// maxBodyBytes bounds response reads; segmentation pages stay well under it.
const maxBodyBytes = 16 << 20

// badGatewayPause is the wait before the single 502/525 retry.
var badGatewayPause = 2 * time.Second

// FetchOptions adjusts a single gateway fetch.
type FetchOptions struct {
	// Headers are added to the request (Accept, cookies, CSRF).
	Headers map[string]string
	// AllowDirect permits a direct fetch when no provider is enabled.
	// Preview uses this; jobs never do.
	AllowDirect bool
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Gateway routes every outbound request through the configured provider.
type Gateway struct {
	cfg       config.ProxyConfig
	userAgent string
	timeout   time.Duration

	breakers *resilience.BreakerSet
	stats    *Stats
	rr       atomic.Uint64

	mu      sync.Mutex
	clients map[string]*http.Client
	buckets map[string]*rate.Limiter
}

// New creates a gateway for cfg. The user agent and timeout come from the
// upstream config so every egress path sends identical headers.
func New(cfg config.ProxyConfig, upstream config.UpstreamConfig) *Gateway {
	timeout := time.Duration(upstream.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Port health tracks proxy-level trouble only; a 404 from upstream is
	// not the port's fault.
	bcfg := resilience.DefaultCircuitBreakerConfig()
	bcfg.ShouldTrip = func(err error) bool {
		if status := resilience.StatusOf(err); status != 0 {
			return resilience.IsTransientHTTPStatus(status)
		}
		return resilience.IsTransient(err)
	}

	return &Gateway{
		cfg:       cfg,
		userAgent: upstream.UserAgent,
		timeout:   timeout,
		breakers:  resilience.NewBreakerSet(bcfg),
		stats:     &Stats{},
		clients:   make(map[string]*http.Client),
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Provider returns the currently selected provider.
func (g *Gateway) Provider() Provider {
	return Select(g.cfg)
}

// Stats returns a snapshot of the gateway counters, costed at the active
// provider's per-GB rate.
func (g *Gateway) Stats() StatsSnapshot {
	proxyType := ""
	switch Select(g.cfg) {
	case ProviderOxylabs:
		proxyType = g.cfg.Oxylabs.ProxyType
	case ProviderProxyScrape:
		proxyType = g.cfg.ProxyScrape.ProxyType
	}
	return g.stats.Snapshot(CostRate(proxyType))
}

// Reset closes every port breaker. Called when the operator fixes the
// underlying fault (e.g. credentials) and resumes a job.
func (g *Gateway) Reset() {
	g.breakers.ResetAll()
}

// Fetch performs a GET through the active provider and returns the
// buffered response. Policy: missing credentials are a ConfigError, 407
// is fatal, 502/525 get exactly one retry after two seconds, and when
// every exit port's failure window is open the result is a
// ProxyExhaustedError.
func (g *Gateway) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	provider := Select(g.cfg)

	if provider == ProviderNone {
		if !opts.AllowDirect {
			return nil, eris.Wrap(
				resilience.NewConfigError("no egress configured: enable a proxy provider or set VPN_ENABLED=true"),
				"proxy: fetch",
			)
		}
		return g.doDirect(ctx, rawURL, opts)
	}

	if provider == ProviderVPN {
		// Direct connection; the operator maintains the tunnel.
		return g.doDirect(ctx, rawURL, opts)
	}

	pc := g.providerConfig(provider)
	eps, err := endpointsFor(provider, pc)
	if err != nil {
		return nil, err
	}

	ep, err := g.pickEndpoint(provider, eps)
	if err != nil {
		return nil, err
	}

	if err := g.bucket(ep.name).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "proxy: rate limiter wait")
	}

	cb := g.breakers.Get(ep.name)
	resp, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
		return g.doProxied(ctx, provider, pc, ep, rawURL, opts)
	})
	if err != nil {
		if resilience.StatusOf(err) == http.StatusTooManyRequests && g.allPortsSaturated(eps) {
			zap.L().Error("all proxy ports saturated",
				zap.String("provider", provider.String()),
				zap.Int("ports", len(eps)),
			)
			return nil, eris.Wrap(
				&resilience.ProxyExhaustedError{Provider: provider.String(), Ports: len(eps)},
				"proxy: fetch",
			)
		}
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) providerConfig(p Provider) config.ProviderConfig {
	if p == ProviderProxyScrape {
		return g.cfg.ProxyScrape
	}
	return g.cfg.Oxylabs
}

// pickEndpoint round-robins across ports, skipping those whose breaker is
// open. All ports open means the pool is saturated.
func (g *Gateway) pickEndpoint(p Provider, eps []endpoint) (endpoint, error) {
	start := int(g.rr.Add(1))
	for i := 0; i < len(eps); i++ {
		ep := eps[(start+i)%len(eps)]
		if g.breakers.Get(ep.name).State() != resilience.CircuitOpen {
			return ep, nil
		}
	}
	return endpoint{}, eris.Wrap(
		&resilience.ProxyExhaustedError{Provider: p.String(), Ports: len(eps)},
		"proxy: pick endpoint",
	)
}

func (g *Gateway) allPortsSaturated(eps []endpoint) bool {
	for _, ep := range eps {
		if g.breakers.Get(ep.name).State() != resilience.CircuitOpen {
			return false
		}
	}
	return true
}

func (g *Gateway) doProxied(ctx context.Context, p Provider, pc config.ProviderConfig, ep endpoint, rawURL string, opts FetchOptions) (*Response, error) {
	client, err := g.clientFor(ep)
	if err != nil {
		return nil, err
	}

	headers := opts.Headers
	if name, value := countryHeader(p, pc); name != "" {
		headers = cloneHeaders(headers)
		headers[name] = value
	}

	// 502/525 from the proxy layer get exactly one retry after a fixed
	// pause; every other disposition surfaces on the first pass.
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: badGatewayPause,
		Multiplier:     1,
		ShouldRetry: func(err error) bool {
			status := resilience.StatusOf(err)
			return status == http.StatusBadGateway || status == 525
		},
		OnRetry: resilience.RetryLogger(ep.name, "proxied fetch"),
	}

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Response, error) {
		resp, err := g.do(ctx, client, rawURL, headers)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusProxyAuthRequired:
			g.stats.record(false, int64(len(resp.Body)))
			return nil, eris.Wrap(
				resilience.NewProxyAuthError(p.String()+" rejected proxy credentials (407): fix username/password and resume"),
				"proxy: fetch",
			)
		case http.StatusTooManyRequests:
			g.stats.record(false, int64(len(resp.Body)))
			zap.L().Warn("rate limited through proxy",
				zap.String("provider", p.String()),
				zap.String("port", ep.name),
				zap.String("url", rawURL),
			)
			return nil, resilience.NewStatusError(resp.StatusCode, rawURL)
		case http.StatusBadGateway, 525:
			g.stats.record(false, int64(len(resp.Body)))
			return nil, resilience.NewStatusError(resp.StatusCode, rawURL)
		}

		g.stats.record(resp.StatusCode < 400, int64(len(resp.Body)))
		return resp, nil
	})
}

func (g *Gateway) doDirect(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	g.mu.Lock()
	client, ok := g.clients["direct"]
	if !ok {
		client = &http.Client{
			Timeout: g.timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		g.clients["direct"] = client
	}
	g.mu.Unlock()

	resp, err := g.do(ctx, client, rawURL, opts.Headers)
	if err != nil {
		g.stats.record(false, 0)
		return nil, err
	}
	g.stats.record(resp.StatusCode < 400, int64(len(resp.Body)))
	return resp, nil
}

// do issues the request and buffers the body. Network failures come back
// wrapped as transient so the stage ladder retries them.
func (g *Gateway) do(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "proxy: create request")
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept-Language", "sv-SE,sv;q=0.9,en;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrap(resilience.NewTransientError(err, 0), "proxy: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(resilience.NewTransientError(err, resp.StatusCode), "proxy: read body")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        rawURL,
	}, nil
}

func (g *Gateway) clientFor(ep endpoint) (*http.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[ep.name]; ok {
		return client, nil
	}

	proxyURL, err := url.Parse(ep.proxyURL())
	if err != nil {
		return nil, eris.Wrapf(err, "proxy: parse proxy url for %s", ep.name)
	}
	client := &http.Client{
		Timeout: g.timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	g.clients[ep.name] = client
	return client, nil
}

// bucket returns the per-port smoothing bucket, 20 rps with burst 20.
func (g *Gateway) bucket(name string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[name]; ok {
		return b
	}
	b := rate.NewLimiter(20, 20)
	g.buckets[name] = b
	return b
}

func newMissingCredentials(p Provider) error {
	return resilience.NewConfigError(p.String() + " enabled but credentials are missing")
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
