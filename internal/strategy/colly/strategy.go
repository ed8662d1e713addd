// Package collystrategy implements swarm.Strategy using gocolly. Surface,
// social and API targets are fetched directly; overlay targets are routed
// through the configured Tor SOCKS5 or I2P HTTP proxy.
package collystrategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const (
	defaultMaxPages = 20
	defaultTimeout  = 15 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds each HTTP request (default 15s).
	Timeout time.Duration
	// MaxPages caps the pages visited per target (default 20).
	MaxPages int
	// TorProxy is a socks5:// URL used for overlay-tor targets.
	TorProxy string
	// I2PProxy is an http:// URL used for overlay-i2p targets.
	I2PProxy string
}

// Strategy crawls a target and its same-host links up to the target depth.
// ItemsFound counts distinct links discovered; DeployedCount counts linked
// pages visited beyond the seed.
type Strategy struct {
	cfg        Config
	transports map[swarm.TargetType]http.RoundTripper
	logger     *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Strategy. Proxy URLs are validated eagerly.
func New(cfg Config, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	direct := newHTTPTransport(http.ProxyFromEnvironment)
	s := &Strategy{
		cfg: cfg,
		transports: map[swarm.TargetType]http.RoundTripper{
			swarm.TargetSurface: direct,
			swarm.TargetSocial:  direct,
			swarm.TargetAPI:     direct,
		},
		logger: logger.Named("colly"),
	}
	for typ, raw := range map[swarm.TargetType]string{
		swarm.TargetOverlayTor: cfg.TorProxy,
		swarm.TargetOverlayI2P: cfg.I2PProxy,
	} {
		if raw == "" {
			continue
		}
		proxyURL, err := url.Parse(raw)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid %s proxy %q", typ, raw)
		}
		if proxyURL.Scheme != "socks5" && proxyURL.Scheme != "socks5h" && proxyURL.Scheme != "http" {
			return nil, fmt.Errorf("unsupported %s proxy scheme %q", typ, proxyURL.Scheme)
		}
		s.transports[typ] = newHTTPTransport(http.ProxyURL(proxyURL))
	}
	return s, nil
}

// crawl holds the per-Execute state shared by collector callbacks.
type crawl struct {
	mu       sync.Mutex
	target   swarm.Target
	maxPages int
	report   swarm.ProgressFunc
	pages    int
	links    map[string]struct{}
	seedErr  error
	seedBody []byte
}

// Execute crawls target, reporting progress as pages are requested.
func (s *Strategy) Execute(ctx context.Context, target swarm.Target, report swarm.ProgressFunc) (swarm.Result, error) {
	transport, ok := s.transports[target.Type]
	if !ok {
		return swarm.Result{}, swarm.Fatal(fmt.Errorf("no route configured for %s targets", target.Type))
	}
	if report == nil {
		report = func(int, int) {}
	}
	c := &crawl{
		target:   target,
		maxPages: s.cfg.MaxPages,
		report:   report,
		links:    make(map[string]struct{}),
	}
	collector, err := s.buildCollector(ctx, target, transport)
	if err != nil {
		return swarm.Result{}, err
	}
	s.configureCollectorHooks(collector, c)

	if err := s.runCollector(ctx, collector, target.URL); err != nil {
		c.mu.Lock()
		seedErr := c.seedErr
		c.mu.Unlock()
		if seedErr != nil {
			return swarm.Result{}, seedErr
		}
		return swarm.Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seedErr != nil {
		return swarm.Result{}, c.seedErr
	}
	res := swarm.Result{ItemsFound: len(c.links), DeployedCount: max(c.pages-1, 0)}
	if target.Type == swarm.TargetAPI {
		res.ItemsFound = countJSONItems(c.seedBody)
	}
	s.logger.Debug("crawl finished",
		zap.String("target_id", target.ID.String()),
		zap.Int("pages", c.pages),
		zap.Int("items_found", res.ItemsFound),
	)
	return res, nil
}

func (s *Strategy) buildCollector(ctx context.Context, target swarm.Target, transport http.RoundTripper) (*colly.Collector, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, swarm.Invalid(fmt.Errorf("parse target url: %w", err))
	}
	depth := target.Depth
	if depth <= 0 || target.Type == swarm.TargetAPI {
		depth = 1
	}
	collector := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(depth),
		colly.AllowedDomains(u.Hostname()),
	)
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)
	transport = &contextTransport{base: transport, ctx: ctx}
	if s.cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport, logger: s.logger}
	}
	collector.WithTransport(transport)
	return collector, nil
}

func (s *Strategy) configureCollectorHooks(hooks collectorHooks, c *crawl) {
	hooks.OnRequest(func(r *colly.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pages >= c.maxPages {
			r.Abort()
			return
		}
		c.pages++
		c.report(min(c.pages*100/c.maxPages, 99), len(c.links))
	})

	hooks.OnResponse(func(r *colly.Response) {
		if r.Request.Depth != 1 {
			return
		}
		c.mu.Lock()
		c.seedBody = append([]byte(nil), r.Body...)
		c.mu.Unlock()
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		c.mu.Lock()
		c.links[link] = struct{}{}
		c.mu.Unlock()
		// revisits and out-of-scope links are expected
		_ = e.Request.Visit(link)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Request == nil || r.Request.Depth != 1 {
			return
		}
		c.mu.Lock()
		c.seedErr = classifyFetch(c.target, r.StatusCode, err)
		c.mu.Unlock()
	})
}

func (s *Strategy) runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// classifyFetch maps a seed fetch failure onto the swarm error taxonomy:
// 5xx and 429 are transient, other 4xx are fatal, timeouts are timeouts.
func classifyFetch(target swarm.Target, status int, err error) error {
	wrapped := fmt.Errorf("fetch %s: %w", target.URL, err)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return swarm.Transient(fmt.Errorf("fetch %s: status %d: %w", target.URL, status, err))
	case status >= 400:
		return swarm.Fatal(fmt.Errorf("fetch %s: status %d: %w", target.URL, status, err))
	case errors.Is(err, context.DeadlineExceeded):
		return swarm.Timeout(wrapped)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return swarm.Timeout(wrapped)
		}
		return swarm.Transient(wrapped)
	}
	return swarm.Transient(wrapped)
}

// countJSONItems counts array elements or object keys of a JSON document.
func countJSONItems(body []byte) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return len(arr)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		return len(obj)
	}
	return 0
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
