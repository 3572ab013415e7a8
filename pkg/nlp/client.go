// Package nlp is an HTTP client for the named-entity service. The service is
// optional infrastructure: the client tracks an explicit degraded state so
// callers can skip entity expansion instead of failing queries when the
// model backend is down.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/pkg/fn"
	"github.com/plexara/fusegraph/pkg/resilience"
)

// Entity is one named entity recognized in a text.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Opts configures the client. Zero values take defaults.
type Opts struct {
	BaseURL string
	// RPS caps requests per second to the NER service.
	RPS   float64
	Burst int
	// Timeout bounds a single extraction round trip.
	Timeout time.Duration
}

// Client talks to the NER service over HTTP. All calls share one rate
// limiter and one circuit breaker; an open breaker reports as degraded.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	ready   atomic.Bool
}

func NewClient(opts Opts) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

// Ping probes the service health endpoint and records the outcome. The
// client starts degraded; the first successful ping marks it ready.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("nlp: ping: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.ready.Store(false)
		return fmt.Errorf("nlp: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.ready.Store(false)
		return fmt.Errorf("nlp: ping: status %d", resp.StatusCode)
	}
	c.ready.Store(true)
	return nil
}

// Degraded reports whether extraction should be skipped: the service never
// answered a ping, or the breaker is currently open.
func (c *Client) Degraded() bool {
	return !c.ready.Load() || c.breaker.State() == resilience.StateOpen
}

type extractReq struct {
	Text string `json:"text"`
}

type extractResp struct {
	Entities []Entity `json:"entities"`
}

// Extract returns the entities recognized in text, filtered to the types the
// graph schema accepts. Unknown types from the model are dropped silently.
func (c *Client) Extract(ctx context.Context, text string) ([]Entity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("nlp: extract: %w", err)
	}

	var out []Entity
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		entities, err := c.extract(ctx, text)
		if err != nil {
			return err
		}
		out = entities
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) extract(ctx context.Context, text string) ([]Entity, error) {
	body, _ := json.Marshal(extractReq{Text: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nlp: extract: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nlp: extract: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nlp: extract: status %d", resp.StatusCode)
	}

	var result extractResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("nlp: extract decode: %w", err)
	}
	return filterEntities(result.Entities), nil
}

// filterEntities keeps entities whose type the graph schema whitelists and
// whose name is non-empty after trimming.
func filterEntities(in []Entity) []Entity {
	return fn.FilterMap(in, func(e Entity) (Entity, bool) {
		name := strings.TrimSpace(e.Name)
		typ := strings.ToUpper(strings.TrimSpace(e.Type))
		if name == "" || !domain.AllowedEntityTypes[typ] {
			return Entity{}, false
		}
		return Entity{Name: name, Type: typ}, true
	})
}
