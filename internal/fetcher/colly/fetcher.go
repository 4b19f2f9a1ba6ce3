// Package collyfetcher performs single-page HTTP requests with gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds the underlying HTTP exchange; ctx cancellation aborts it earlier.
	Timeout time.Duration
	// MaxBodySize caps downloaded bytes; zero keeps the colly default.
	MaxBodySize int
	// HTTPFallback retries over plain http after an https transport failure.
	HTTPFallback bool
}

// Request describes one HTTP exchange.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
}

// Response is the captured result of a Request.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a failed exchange. StatusCode is zero when no HTTP
// response was received.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsTransportError reports whether err happened before any HTTP response.
func IsTransportError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 0
	}
	return err != nil
}

// Fetcher issues requests through a shared base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Name identifies the direct source in events and statistics.
func (f *Fetcher) Name() string { return "direct" }

// Fetch GETs target and returns the body, falling back to http:// once when
// the https attempt fails at the transport level.
func (f *Fetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	resp, err := f.Do(ctx, Request{Method: http.MethodGet, URL: target})
	if err == nil {
		return resp.Body, nil
	}
	if !f.cfg.HTTPFallback || ctx.Err() != nil || !IsTransportError(err) || !strings.HasPrefix(target, "https://") {
		return nil, err
	}
	plain := "http://" + strings.TrimPrefix(target, "https://")
	resp, fallbackErr := f.Do(ctx, Request{Method: http.MethodGet, URL: plain})
	if fallbackErr != nil {
		return nil, fmt.Errorf("https: %v; http fallback: %w", err, fallbackErr)
	}
	return resp.Body, nil
}

// Do executes a single request and captures the response.
func (f *Fetcher) Do(ctx context.Context, req Request) (Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var (
		result   Response
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	// Cancelling ctx aborts the HTTP exchange itself, not only the wait.
	collector.Context = ctx
	f.configureCollectorHooks(collector, time.Now(), &result, &status, &fetchErr)

	if err := f.runCollector(ctx, collector, req, &status, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *Response,
	status *int,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req Request, status *int, fetchErr *error) error {
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		if body == nil {
			done <- collector.Request(req.Method, req.URL, nil, nil, req.Headers)
			return
		}
		done <- collector.Request(req.Method, req.URL, body, nil, req.Headers)
	}()

	select {
	case <-ctx.Done():
		return &StatusError{Err: fmt.Errorf("request canceled: %w", ctx.Err())}
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return &StatusError{StatusCode: *status, Err: err}
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
