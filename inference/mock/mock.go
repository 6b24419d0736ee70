// Package mock provides a scripted InferenceClient for tests and demos.
package mock

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/stockify"
)

// Client is a mock InferenceClient. Each image name can be given a script of
// errors returned on successive calls; once a script runs out, calls succeed.
type Client struct {
	latency   time.Duration
	block     <-chan struct{}
	staticErr error
	metaFunc  func(stockify.Image, string) stockify.Metadata
	callCount atomic.Int64

	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
	models  map[string][]string
}

var _ stockify.InferenceClient = (*Client)(nil)

// Option configures a mock Client.
type Option func(*Client)

// New creates a mock client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		scripts: make(map[string][]error),
		calls:   make(map[string]int),
		models:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithScript sets the results of successive calls for one image. A nil
// entry means success.
func WithScript(imageName string, errs ...error) Option {
	return func(c *Client) { c.scripts[imageName] = errs }
}

// WithError makes every unscripted call return err.
func WithError(err error) Option {
	return func(c *Client) { c.staticErr = err }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(c *Client) { c.latency = d }
}

// WithBlock makes each call wait until ch is closed.
func WithBlock(ch <-chan struct{}) Option {
	return func(c *Client) { c.block = ch }
}

// WithMetadata sets a custom metadata generator.
func WithMetadata(fn func(img stockify.Image, model string) stockify.Metadata) Option {
	return func(c *Client) { c.metaFunc = fn }
}

func (c *Client) Infer(ctx context.Context, img stockify.Image, model string) (stockify.Metadata, error) {
	c.callCount.Add(1)

	c.mu.Lock()
	n := c.calls[img.Name]
	c.calls[img.Name] = n + 1
	c.models[img.Name] = append(c.models[img.Name], model)
	var err error
	scripted := false
	if script, ok := c.scripts[img.Name]; ok && n < len(script) {
		err = script[n]
		scripted = true
	}
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return stockify.Metadata{}, ctx.Err()
		}
	}
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return stockify.Metadata{}, ctx.Err()
		}
	}

	if !scripted && c.staticErr != nil {
		err = c.staticErr
	}
	if err != nil {
		return stockify.Metadata{}, err
	}

	if c.metaFunc != nil {
		return c.metaFunc(img, model), nil
	}
	return defaultMetadata(img, model), nil
}

// CallCount returns the number of calls made to the client.
func (c *Client) CallCount() int64 { return c.callCount.Load() }

// CallsFor returns the number of calls made for one image.
func (c *Client) CallsFor(imageName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[imageName]
}

// ModelsFor returns the models used for one image, in call order.
func (c *Client) ModelsFor(imageName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models[imageName]...)
}

func defaultMetadata(img stockify.Image, model string) stockify.Metadata {
	base := strings.TrimSuffix(img.Name, extension(img.Name))
	return stockify.Metadata{
		Description: "Stock photo " + base,
		Keywords:    []string{base, "stock", model},
		Categories:  []string{"Mock"},
	}
}

func extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
