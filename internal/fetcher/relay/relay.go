// Package relay fetches pages through third-party relay and premium scraping
// endpoints, unwrapping JSON envelopes when the provider returns one.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"

	collyfetcher "github.com/JakeFAU/lead-enricher/internal/fetcher/colly"
)

// Doer executes HTTP requests.
type Doer interface {
	Do(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Config describes one provider.
type Config struct {
	Name string `mapstructure:"name"`
	// URLTemplate may contain {url}, {url_encoded}, and {api_key} placeholders.
	URLTemplate string `mapstructure:"url_template"`
	// Method defaults to GET.
	Method string `mapstructure:"method"`
	// BodyField, when set, sends a JSON body {BodyField: target}.
	BodyField string `mapstructure:"body_field"`
	APIKey    string `mapstructure:"api_key"`
	// AuthHeader carries APIKey; "Authorization" values are sent as bearer tokens.
	AuthHeader string            `mapstructure:"auth_header"`
	Headers    map[string]string `mapstructure:"headers"`
	// Envelope is "raw" or "json:<dotted.path>" naming the field holding the HTML.
	Envelope string `mapstructure:"envelope"`
}

// Source is a fetch source backed by an HTTP provider.
type Source struct {
	cfg    Config
	client Doer
	path   []string
}

// New validates cfg and returns a Source.
func New(cfg Config, client Doer) (*Source, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if !strings.Contains(cfg.URLTemplate, "{url}") && !strings.Contains(cfg.URLTemplate, "{url_encoded}") && cfg.BodyField == "" {
		return nil, fmt.Errorf("provider %s: url_template needs {url} or {url_encoded} unless body_field is set", cfg.Name)
	}
	if client == nil {
		return nil, fmt.Errorf("provider %s: http client is required", cfg.Name)
	}
	path, err := parseEnvelope(cfg.Envelope)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
		if cfg.BodyField != "" {
			cfg.Method = http.MethodPost
		}
	}
	return &Source{cfg: cfg, client: client, path: path}, nil
}

// Name identifies the provider in events and statistics.
func (s *Source) Name() string { return s.cfg.Name }

// Fetch retrieves target through the provider and returns the page HTML.
func (s *Source) Fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := s.buildRequest(target)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	body, err := unwrap(resp.Body, s.path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	return body, nil
}

func (s *Source) buildRequest(target string) (collyfetcher.Request, error) {
	endpoint := strings.NewReplacer(
		"{url_encoded}", url.QueryEscape(target),
		"{url}", target,
		"{api_key}", url.QueryEscape(s.cfg.APIKey),
	).Replace(s.cfg.URLTemplate)

	headers := http.Header{}
	for k, v := range s.cfg.Headers {
		headers.Set(k, v)
	}
	if s.cfg.APIKey != "" && s.cfg.AuthHeader != "" {
		value := s.cfg.APIKey
		if strings.EqualFold(s.cfg.AuthHeader, "Authorization") {
			value = "Bearer " + value
		}
		headers.Set(s.cfg.AuthHeader, value)
	}

	req := collyfetcher.Request{Method: s.cfg.Method, URL: endpoint, Headers: headers}
	if s.cfg.BodyField != "" {
		body, err := json.Marshal(map[string]string{s.cfg.BodyField: target})
		if err != nil {
			return collyfetcher.Request{}, fmt.Errorf("marshal provider body: %w", err)
		}
		req.Body = body
		headers.Set("Content-Type", "application/json")
	}
	return req, nil
}

func parseEnvelope(envelope string) ([]string, error) {
	switch {
	case envelope == "" || envelope == "raw":
		return nil, nil
	case strings.HasPrefix(envelope, "json:"):
		dotted := strings.TrimPrefix(envelope, "json:")
		if dotted == "" {
			return nil, fmt.Errorf("envelope %q has an empty path", envelope)
		}
		return strings.Split(dotted, "."), nil
	default:
		return nil, fmt.Errorf("unknown envelope %q", envelope)
	}
}

// unwrap extracts the HTML field from a JSON envelope; a nil path returns body as-is.
func unwrap(body []byte, path []string) ([]byte, error) {
	if len(path) == 0 {
		return body, nil
	}
	value, dataType, _, err := jsonparser.Get(body, path...)
	if err != nil {
		return nil, fmt.Errorf("envelope field %s: %w", strings.Join(path, "."), err)
	}
	if dataType != jsonparser.String {
		return nil, fmt.Errorf("envelope field %s is %s, not a string", strings.Join(path, "."), dataType)
	}
	html, err := jsonparser.ParseString(value)
	if err != nil {
		return nil, fmt.Errorf("decode envelope field: %w", err)
	}
	return []byte(html), nil
}
