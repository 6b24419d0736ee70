// Package gemini implements stockify.InferenceClient over the Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ineyio/stockify"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultPrompt asks for stock-photography metadata as JSON.
const DefaultPrompt = `You are a stock photography metadata assistant.
Describe the attached image for a stock photo marketplace.
Respond with JSON only, in the form:
{"description": "...", "keywords": ["...", "..."], "categories": ["..."]}
The description is one sentence of at most 200 characters.
Give 25 to 49 keywords, most relevant first, lowercase, without duplicates.
Give one or two categories.`

// Client is the Gemini API adapter.
type Client struct {
	apiKey     string
	baseURL    string
	prompt     string
	httpClient *http.Client
}

var _ stockify.InferenceClient = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPrompt replaces the instruction sent with every image.
func WithPrompt(prompt string) Option {
	return func(c *Client) { c.prompt = prompt }
}

// New creates a new Gemini client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		prompt:     DefaultPrompt,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig creates a client from the gemini section of the config.
func FromConfig(cfg stockify.GeminiConfig, opts ...Option) *Client {
	hc := http.DefaultClient
	if cfg.Timeout > 0 {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	base := []Option{WithBaseURL(cfg.BaseURL), WithHTTPClient(hc)}
	return New(cfg.APIKey, append(base, opts...)...)
}

// Gemini API types.
type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Infer generates metadata for img using model.
func (c *Client) Infer(ctx context.Context, img stockify.Image, model string) (stockify.Metadata, error) {
	if len(img.Data) == 0 {
		return stockify.Metadata{}, c.fail(stockify.ErrInvalid, model, "empty image")
	}

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	body := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: c.prompt},
				{InlineData: &inlineData{
					MIMEType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(img.Data),
				}},
			},
		}},
		GenerationConfig: &generationConfig{ResponseMIMEType: "application/json"},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	httpResp, err := c.doRequest(ctx, endpoint, model, body)
	if err != nil {
		return stockify.Metadata{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp, model); err != nil {
		return stockify.Metadata{}, err
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return stockify.Metadata{}, c.fail(stockify.ErrUnavailable, model, "decode response: "+err.Error())
	}

	if resp.PromptFeedback.BlockReason != "" {
		return stockify.Metadata{}, c.fail(stockify.ErrInvalid, model, "blocked: "+resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return stockify.Metadata{}, c.fail(stockify.ErrUnavailable, model, "empty candidates")
	}

	return parseMetadata(resp.Candidates[0].Content.Parts[0].Text, model)
}

func (c *Client) doRequest(ctx context.Context, endpoint, model string, body generateRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("stockify/gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("stockify/gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, c.fail(stockify.ErrUnavailable, model, c.transportDetail(err))
	}
	return resp, nil
}

// transportDetail describes a failed round trip without the request URL.
// Task errors are served over the API and logged, so they must never carry
// the key.
func (c *Client) transportDetail(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	detail := err.Error()
	if c.apiKey != "" {
		detail = strings.ReplaceAll(detail, c.apiKey, "[redacted]")
	}
	return detail
}

func (c *Client) fail(kind error, model, detail string) error {
	return &stockify.InferenceError{Err: kind, Model: model, Detail: detail}
}

// parseMetadata extracts the JSON object from the model's reply. Replies
// wrapped in a markdown code fence are accepted.
func parseMetadata(text, model string) (stockify.Metadata, error) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '{'); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndexByte(text, '}'); i >= 0 && i < len(text)-1 {
		text = text[:i+1]
	}

	var md stockify.Metadata
	if err := json.Unmarshal([]byte(text), &md); err != nil {
		return stockify.Metadata{}, &stockify.InferenceError{
			Err:    stockify.ErrUnavailable,
			Model:  model,
			Detail: "malformed metadata: " + err.Error(),
		}
	}
	if md.Description == "" && len(md.Keywords) == 0 {
		return stockify.Metadata{}, &stockify.InferenceError{
			Err:    stockify.ErrUnavailable,
			Model:  model,
			Detail: "metadata has no description or keywords",
		}
	}
	return md, nil
}

func mapHTTPError(resp *http.Response, model string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	e := &stockify.InferenceError{
		Model:  model,
		Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e.Err = stockify.ErrRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = stockify.ErrUnauthorized
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		e.Err = stockify.ErrInvalid
	default:
		e.Err = stockify.ErrUnavailable
		if resp.StatusCode == http.StatusServiceUnavailable {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
	}
	return e
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
