// Package classifier calls an OpenAI-compatible chat completions endpoint to
// assign an industry to a website digest.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

// Config controls the classifier client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	RatePerMillionIn  float64
	RatePerMillionOut float64
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Request carries the digest and the identity of the contact being classified.
type Request struct {
	Digest  string
	Website string
	Email   string
}

// Result is the outcome of one classification call.
type Result struct {
	Classification string
	Confidence     int
	Reasoning      string
	InputTokens    int
	OutputTokens   int
	Cost           float64
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	schema     *jsonschema.Schema
	logger     *zap.Logger
}

// New builds a Client. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("classifier base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("classifier model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		schema:     schema,
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Classify returns the industry for a digest. On failure the Result carries
// the "ERROR" classification alongside a typed *enrich.Error.
func (c *Client) Classify(ctx context.Context, req Request) (Result, error) {
	failed := Result{Classification: enrich.ErrorClassification, Confidence: 1}
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return failed, enrich.E(enrich.KindClassifierTransport, "classify", fmt.Errorf("rate limit wait: %w", err))
	}

	payload := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	raw, err := c.post(ctx, payload)
	if err != nil {
		c.logger.Warn("classifier request failed", zap.String("website", req.Website), zap.Error(err))
		return failed, enrich.E(enrich.KindClassifierTransport, "classify", err)
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return failed, enrich.E(enrich.KindClassifierTransport, "classify", fmt.Errorf("decode response: %w", err))
	}
	failed.InputTokens = cc.Usage.PromptTokens
	failed.OutputTokens = cc.Usage.CompletionTokens
	failed.Cost = Cost(failed.InputTokens, failed.OutputTokens, c.cfg.RatePerMillionIn, c.cfg.RatePerMillionOut)
	if len(cc.Choices) == 0 {
		return failed, enrich.E(enrich.KindClassifierTransport, "classify", fmt.Errorf("no choices in response"))
	}

	ans, err := parseAnswer(c.schema, cc.Choices[0].Message.Content)
	if err != nil {
		return failed, enrich.E(enrich.KindClassifierTransport, "classify", err)
	}
	label := strings.TrimSpace(ans.Classification)
	if label == "" || strings.EqualFold(label, enrich.ErrorClassification) {
		failed.Reasoning = strings.TrimSpace(ans.Reasoning)
		return failed, enrich.E(enrich.KindClassifierMarker, "classify", fmt.Errorf("model returned no classification"))
	}

	res := Result{
		Classification: label,
		Confidence:     NormalizeConfidence(ans.Confidence),
		Reasoning:      strings.TrimSpace(ans.Reasoning),
		InputTokens:    failed.InputTokens,
		OutputTokens:   failed.OutputTokens,
		Cost:           failed.Cost,
	}
	c.logger.Debug("classified",
		zap.String("website", req.Website),
		zap.String("classification", res.Classification),
		zap.Int("confidence", res.Confidence),
		zap.Float64("cost", res.Cost),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (c *Client) post(ctx context.Context, payload chatRequest) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close classifier response", zap.Error(cerr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
