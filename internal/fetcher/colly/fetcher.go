// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// Config controls collector behavior.
//   - UserAgent: sent with every request.
//   - Timeout: upper bound on a single fetch; a hung request becomes a
//     FetchError once it elapses.
//   - MaxBodyBytes: response bodies are truncated to this many bytes.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. The same URL
// is fetched once per round, so revisits are allowed.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	closeOnce     sync.Once
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type outcome struct {
	page crawler.Page
	err  error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		// Statuses are classified in OnResponse; colly alone treats 203-299
		// as errors.
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	transport := newHTTPTransport(cfg.Timeout)
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Any 2xx response is a page. A status
// outside 2xx, a transport failure, or the timeout elapsing is returned as
// *crawler.FetchError together with an empty page.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		collector := f.baseCollector.Clone()
		f.configureCollectorHooks(collector, rawURL, start, &out)
		if err := collector.Visit(rawURL); err != nil && out.err == nil {
			out.err = crawler.NewFetchError(rawURL, 0, err)
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return failedPage(rawURL, 0, time.Since(start)),
			crawler.NewFetchError(rawURL, 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case out := <-done:
		if out.err != nil {
			var fe *crawler.FetchError
			status := 0
			if errors.As(out.err, &fe) {
				status = fe.StatusCode
			}
			return failedPage(rawURL, status, time.Since(start)), out.err
		}
		if out.page.Status != crawler.PageOK {
			return failedPage(rawURL, 0, time.Since(start)),
				crawler.NewFetchError(rawURL, 0, errors.New("colly fetch produced no response"))
		}
		return out.page, nil
	}
}

// Close releases pooled connections. It is safe to call more than once.
func (f *Fetcher) Close() error {
	f.closeOnce.Do(func() {
		f.transport.CloseIdleConnections()
	})
	return nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, rawURL string, start time.Time, out *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode > 299 {
			out.page = crawler.Page{}
			out.err = crawler.NewFetchError(rawURL, r.StatusCode, errors.New(statusReason(r.StatusCode)))
			return
		}
		body := r.Body
		if len(body) > f.cfg.MaxBodyBytes {
			body = body[:f.cfg.MaxBodyBytes]
		}
		finalURL := rawURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		out.page = crawler.Page{
			URL:        rawURL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), body...),
			Duration:   time.Since(start),
			Status:     crawler.PageOK,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		out.page = crawler.Page{}
		out.err = crawler.NewFetchError(rawURL, status, err)
	})
}

func statusReason(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return fmt.Sprintf("unexpected status %d", code)
}

func failedPage(rawURL string, status int, d time.Duration) crawler.Page {
	return crawler.Page{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: status,
		Duration:   d,
		Status:     crawler.PageFetchError,
	}
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
