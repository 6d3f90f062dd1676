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

package merchanttest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// ExchangeConfig configures a fake exchange. Zero values get defaults.
type ExchangeConfig struct {
	DenomValue string
	DepositFee string
	RefundFee  string
	WireFees   map[string]string
	// Audited serves the denomination under an auditor entry so the
	// exchange is acceptable without its master key being trusted.
	Audited bool
}

// FakeExchange is an in-process exchange serving /keys and /deposit with
// one denomination key.
type FakeExchange struct {
	t   *testing.T
	srv *httptest.Server
	cfg ExchangeConfig

	masterPriv ed25519.PrivateKey
	// MasterPubEncoded goes into the merchant's trusted-exchanges config.
	MasterPubEncoded string
	// AuditorPubEncoded goes into the trusted-auditors config when Audited.
	AuditorPubEncoded string

	denomPriv       *rsa.PrivateKey
	DenomPubEncoded string

	mu          sync.Mutex
	depositHook func(coinPub string) (status, code int, hint string)
	deposited   []string
	keysCalls   int
}

// SetDepositHook installs a hook deciding the response for a coin's
// deposit. Returning status 0 means respond normally. Pass nil to reset.
func (f *FakeExchange) SetDepositHook(hook func(coinPub string) (status, code int, hint string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositHook = hook
}

// NewFakeExchange starts a fake exchange. It is shut down with the test.
func NewFakeExchange(t *testing.T, cfg ExchangeConfig) *FakeExchange {
	t.Helper()

	if cfg.DenomValue == "" {
		cfg.DenomValue = "EUR:10"
	}
	if cfg.DepositFee == "" {
		cfg.DepositFee = "EUR:0.01"
	}
	if cfg.RefundFee == "" {
		cfg.RefundFee = "EUR:0.01"
	}
	if cfg.WireFees == nil {
		cfg.WireFees = map[string]string{"x-taler-bank": "EUR:0.05"}
	}

	masterPub, masterPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	auditorPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	denomPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	denomPubEncoded, err := exchange.EncodeDenomPub(&denomPriv.PublicKey)
	require.NoError(t, err)

	f := &FakeExchange{
		t:                 t,
		cfg:               cfg,
		masterPriv:        masterPriv,
		MasterPubEncoded:  taler.EncodeBinary(masterPub),
		AuditorPubEncoded: taler.EncodeBinary(auditorPub),
		denomPriv:         denomPriv,
		DenomPubEncoded:   denomPubEncoded,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /keys", f.handleKeys)
	mux.HandleFunc("POST /deposit", f.handleDeposit)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *FakeExchange) URL() string {
	return f.srv.URL
}

// Mint withdraws a fresh coin of this exchange's denomination.
func (f *FakeExchange) Mint(t *testing.T) Coin {
	return MintCoin(t, f.denomPriv, f.DenomPubEncoded)
}

// Deposited returns the wire-encoded public keys of coins deposited so far.
func (f *FakeExchange) Deposited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deposited...)
}

// KeysCalls returns how often /keys was fetched.
func (f *FakeExchange) KeysCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysCalls
}

func (f *FakeExchange) handleKeys(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.keysCalls++
	f.mu.Unlock()

	wireFees := make(map[string]map[string]string, len(f.cfg.WireFees))
	for method, fee := range f.cfg.WireFees {
		wireFees[method] = map[string]string{"wire_fee": fee}
	}

	resp := map[string]any{
		"master_public_key": f.MasterPubEncoded,
		"denoms": []map[string]string{{
			"denom_pub":   f.DenomPubEncoded,
			"value":       f.cfg.DenomValue,
			"fee_deposit": f.cfg.DepositFee,
			"fee_refund":  f.cfg.RefundFee,
		}},
		"wire_fees": wireFees,
	}
	if f.cfg.Audited {
		resp["auditors"] = []map[string]any{{
			"auditor_pub":       f.AuditorPubEncoded,
			"denomination_keys": []string{f.DenomPubEncoded},
		}}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		f.t.Errorf("failed to encode keys response: %v", err)
	}
}

func (f *FakeExchange) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HContractTerms string `json:"h_contract_terms"`
		CoinPub        string `json:"coin_pub"`
		CoinSig        string `json:"coin_sig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	hook := f.depositHook
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if hook != nil {
		if status, code, hint := hook(body.CoinPub); status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "hint": hint})
			return
		}
	}

	f.mu.Lock()
	f.deposited = append(f.deposited, body.CoinPub)
	f.mu.Unlock()

	hContract, err := taler.DecodeBinary(body.HContractTerms)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	coinPub, err := taler.DecodeBinary(body.CoinPub)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sig := ed25519.Sign(f.masterPriv, append(hContract, coinPub...))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "DEPOSIT_OK",
		"sig":    taler.EncodeBinary(sig),
	})
}
