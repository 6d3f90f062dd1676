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

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/app"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/app/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/app/httpapp"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/httpapi"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb/inmem"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb/postgres"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/otel/otelutil"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/pay"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

const serviceName = "merchant-httpd"

// WireMethodConfig is one way this merchant can be paid.
type WireMethodConfig struct {
	// Method is the wire method name, e.g. "x-taler-bank" or "sepa".
	Method string `yaml:"method"`
	// Details is the JSON wire details contracts hash over.
	Details string `yaml:"details"`
}

type MerchantConfig struct {
	// PrivateKey is the wire-encoded ed25519 seed of the instance key.
	PrivateKey string `yaml:"private_key"`
	// DatabaseURL selects the postgres database. Empty runs in-memory.
	DatabaseURL string `yaml:"database_url"`
	// TrustedExchanges lists wire-encoded exchange master public keys.
	TrustedExchanges []string `yaml:"trusted_exchanges"`
	// TrustedAuditors lists wire-encoded auditor public keys.
	TrustedAuditors []string           `yaml:"trusted_auditors"`
	WireMethods     []WireMethodConfig `yaml:"wire_methods"`
	// MaxRetries bounds database transaction retries on conflicts.
	MaxRetries int `yaml:"max_retries"`
	// ExchangeTimeout caps each request's exchange-interaction phase.
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	// KeysExpireAfter is how long fetched exchange /keys stay cached.
	KeysExpireAfter time.Duration `yaml:"keys_expire_after"`
}

type Config struct {
	// HTTP is http server related config
	HTTP *httpapp.Config `yaml:"http"`
	// Merchant is the payment backend config
	Merchant MerchantConfig `yaml:"merchant"`
}

func (c *Config) IsValid() error {
	if c.Merchant.PrivateKey == "" {
		return errors.New("merchant.private_key must be set")
	}
	if len(c.Merchant.WireMethods) == 0 {
		return errors.New("merchant.wire_methods must list at least one method")
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	otelutil.Init(serviceName)

	configFile, err := config.FilenameFromArgs(os.Args[1:])
	if err != nil {
		slog.Warn("failed to determine config file", "error", err)
	}

	// start with default config and override by loading from
	// YAML file and/or environment.
	httpConfig := httpapp.DefaultConfig()
	httpConfig.Port = "9966"
	cfg := &Config{
		HTTP: httpConfig,
		Merchant: MerchantConfig{
			MaxRetries:      merchantdb.DefaultMaxRetries,
			ExchangeTimeout: 30 * time.Second,
			KeysExpireAfter: time.Hour,
		},
	}

	err = config.Load(cfg, configFile, map[string]config.EnvMapping[Config]{
		"MERCHANT_PRIVATE_KEY": {
			Func: func(cfg *Config, val string) error {
				cfg.Merchant.PrivateKey = val
				return nil
			},
		},
		"MERCHANT_DATABASE_URL": {
			Func: func(cfg *Config, val string) error {
				cfg.Merchant.DatabaseURL = val
				return nil
			},
		},
		"PORT": {
			Func: func(cfg *Config, val string) error {
				cfg.HTTP.Port = val
				return nil
			},
		},
	})
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	ctx := context.Background()

	seed, err := taler.DecodeBinary(cfg.Merchant.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		slog.Error("merchant.private_key is not a valid ed25519 seed")
		return 1
	}
	merchantPriv := ed25519.NewKeyFromSeed(seed)
	merchantPub := merchantPriv.Public().(ed25519.PublicKey)

	wireMethods := make([]pay.WireMethod, 0, len(cfg.Merchant.WireMethods))
	for _, wm := range cfg.Merchant.WireMethods {
		method, err := pay.NewWireMethod(wm.Method, json.RawMessage(wm.Details))
		if err != nil {
			slog.Error("invalid wire method", "method", wm.Method, "error", err)
			return 1
		}
		wireMethods = append(wireMethods, method)
	}

	var store merchantdb.Store
	if cfg.Merchant.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(ctx, cfg.Merchant.DatabaseURL)
		if err != nil {
			slog.Error("failed to open merchant database", "error", err)
			return 1
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		slog.Warn("no database configured, keeping all state in memory")
		store = inmem.NewStore()
	}

	exchanges := exchange.NewClient(exchange.Config{
		TrustedExchanges: cfg.Merchant.TrustedExchanges,
		TrustedAuditors:  cfg.Merchant.TrustedAuditors,
		KeysExpireAfter:  cfg.Merchant.KeysExpireAfter,
	}, &http.Client{Timeout: 30 * time.Second})

	registry := pay.NewRegistry()
	orch, err := pay.NewOrchestrator(pay.Config{
		MerchantPub:     merchantPub,
		MerchantPriv:    merchantPriv,
		WireMethods:     wireMethods,
		MaxRetries:      cfg.Merchant.MaxRetries,
		ExchangeTimeout: cfg.Merchant.ExchangeTimeout,
	}, store, exchanges, registry)
	if err != nil {
		slog.Error("failed to create payment orchestrator", "error", err)
		return 1
	}

	httpApp := httpapp.New(cfg.HTTP, httpapi.NewServer(orch))

	// force-resume every suspended payment before the server drains.
	registryApp := app.NewSingleFuncApp(func(ctx context.Context) error {
		<-ctx.Done()
		registry.Shutdown()
		return nil
	})

	// run the app until it exits or signals received
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	return app.Run(ctx, app.NewMulti(registryApp, httpApp), func() (context.Context, context.CancelFunc) {
		// signals received during graceful shutdown cause immediate exit
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	})
}
