// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exchange talks to Taler exchanges on behalf of the merchant:
// it fetches and trust-checks /keys and submits coin deposits, verifying
// every coin locally before the exchange ever sees it.
package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/codes"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/otel/otelutil"
)

const maxKeysBodySize = 4 << 20

// Config configures the exchange client's trust set and caching.
type Config struct {
	// TrustedExchanges lists wire-encoded ed25519 master public keys of
	// exchanges the merchant accepts unconditionally.
	TrustedExchanges []string
	// TrustedAuditors lists wire-encoded public keys of auditors whose
	// vouching makes individual denominations acceptable.
	TrustedAuditors []string
	// KeysExpireAfter is how long a fetched /keys result stays fresh.
	KeysExpireAfter time.Duration
	MaxCacheSize    int
}

func DefaultConfig() Config {
	return Config{
		KeysExpireAfter: 1 * time.Hour,
		MaxCacheSize:    64,
	}
}

// Client fetches and caches exchange key material. Each exchange base URL
// gets its own cache entry with expiration.
type Client struct {
	mu              sync.RWMutex
	cfg             Config
	hc              *http.Client
	trustedMasters  map[string]bool
	trustedAuditors map[string]bool
	cache           *lru.Cache[string, *Handle]
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.KeysExpireAfter <= 0 {
		cfg.KeysExpireAfter = DefaultConfig().KeysExpireAfter
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultConfig().MaxCacheSize
	}
	if hc == nil {
		hc = http.DefaultClient
	}

	cache, err := lru.New[string, *Handle](cfg.MaxCacheSize)
	if err != nil {
		// This shouldn't happen
		panic("failed to create LRU cache: " + err.Error())
	}

	masters := make(map[string]bool, len(cfg.TrustedExchanges))
	for _, m := range cfg.TrustedExchanges {
		masters[m] = true
	}
	auditors := make(map[string]bool, len(cfg.TrustedAuditors))
	for _, a := range cfg.TrustedAuditors {
		auditors[a] = true
	}

	return &Client{
		cfg:             cfg,
		hc:              hc,
		trustedMasters:  masters,
		trustedAuditors: auditors,
		cache:           cache,
	}
}

// FindExchange returns the trust-checked key state of the exchange at
// baseURL, fetching /keys if the cached copy is missing or stale.
func (c *Client) FindExchange(ctx context.Context, baseURL string) (*Handle, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "exchange.client.FindExchange")
	defer span.End()

	baseURL = strings.TrimRight(baseURL, "/")

	c.mu.RLock()
	h, exists := c.cache.Get(baseURL)
	c.mu.RUnlock()
	if exists && !h.expired(c.cfg.KeysExpireAfter) {
		span.SetStatus(codes.Ok, "cache hit")
		return h, nil
	}

	var body []byte
	if err := backoff.Retry(func() (err error) {
		ctx, span := otelutil.Tracer.Start(ctx, "exchange.client.FindExchange.retry")
		defer span.End()

		body, err = c.fetchKeys(ctx, baseURL)
		if err != nil {
			return otelutil.RecordError(span, err)
		}

		span.SetStatus(codes.Ok, "")
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)); err != nil {
		slog.ErrorContext(ctx, "failed to fetch exchange keys", "exchange", baseURL, "error", err)
		return nil, err
	}

	h, err := parseKeys(baseURL, body, c.trustedMasters, c.trustedAuditors)
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	c.mu.Lock()
	c.cache.Add(baseURL, h)
	c.mu.Unlock()

	return h, nil
}

func (c *Client) fetchKeys(ctx context.Context, baseURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/keys", nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build keys request: %w", err))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("failed to reach exchange: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange keys request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeysBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read keys response: %w", err)
	}
	return body, nil
}
