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

package httpapi_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/httpapi"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/internal/test/merchanttest"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb/inmem"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/pay"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

type testServer struct {
	srv         *httptest.Server
	fake        *merchanttest.FakeExchange
	store       *inmem.Store
	merchantPub ed25519.PublicKey
	wire        pay.WireMethod
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	merchanttest.WrapLog(t)

	fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})

	merchantPub, merchantPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	wire, err := pay.NewWireMethod("x-taler-bank", json.RawMessage(`{"type":"x-taler-bank","account":"merchant"}`))
	require.NoError(t, err)

	store := inmem.NewStore()
	orch, err := pay.NewOrchestrator(pay.Config{
		MerchantPub:  merchantPub,
		MerchantPriv: merchantPriv,
		WireMethods:  []pay.WireMethod{wire},
	}, store, exchange.NewClient(exchange.Config{
		TrustedExchanges: []string{fake.MasterPubEncoded},
	}, nil), pay.NewRegistry())
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewServer(orch))
	t.Cleanup(srv.Close)

	return &testServer{
		srv:         srv,
		fake:        fake,
		store:       store,
		merchantPub: merchantPub,
		wire:        wire,
	}
}

func (ts *testServer) createOrder(t *testing.T, orderID, amt string) []byte {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"order_id":               orderID,
		"amount":                 amt,
		"max_fee":                "EUR:0.1",
		"max_wire_fee":           "EUR:0.1",
		"wire_fee_amortization":  1,
		"pay_deadline":           time.Now().Add(time.Hour).Unix(),
		"refund_deadline":        time.Now().Add(2 * time.Hour).Unix(),
		"wire_transfer_deadline": time.Now().Add(3 * time.Hour).Unix(),
		"fulfillment_url":        "https://shop.example/fulfil/" + orderID,
		"h_wire":                 taler.EncodeBinary(ts.wire.HWire),
		"timestamp":              time.Now().Unix(),
	})
	require.NoError(t, err)

	hContract, err := taler.HashContractTerms(raw)
	require.NoError(t, err)

	qs := ts.store.InsertContractTerms(t.Context(), merchantdb.ContractTermsRow{
		OrderID:       orderID,
		MerchantPub:   ts.merchantPub,
		ContractTerms: raw,
		Hash:          hContract,
	})
	require.Equal(t, merchantdb.StatusSuccess, qs)
	return hContract
}

func (ts *testServer) payBody(t *testing.T, orderID string, hContract []byte, contribution string) []byte {
	t.Helper()

	coin := ts.fake.Mint(t)
	contrib := amount.MustParse(contribution)
	sig := coin.SignDeposit(hContract, ts.wire.HWire, ts.merchantPub, contrib.String())

	body, err := json.Marshal(map[string]any{
		"mode":         "pay",
		"order_id":     orderID,
		"merchant_pub": taler.EncodeBinary(ts.merchantPub),
		"coins": []map[string]any{{
			"coin_pub":     taler.EncodeBinary(coin.Pub),
			"denom_pub":    coin.DenomPub,
			"ub_sig":       taler.EncodeBinary(coin.UBSig),
			"coin_sig":     taler.EncodeBinary(sig),
			"contribution": contrib.String(),
			"exchange_url": ts.fake.URL(),
		}},
	})
	require.NoError(t, err)
	return body
}

func (ts *testServer) post(t *testing.T, body []byte) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(ts.srv.URL+"/pay", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func Test_PayEndpoint(t *testing.T) {
	t.Run("ok, payment accepted", func(t *testing.T) {
		ts := newTestServer(t)
		hContract := ts.createOrder(t, "order-1", "EUR:5")

		resp, body := ts.post(t, ts.payBody(t, "order-1", hContract, "EUR:5"))

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, taler.EncodeBinary(hContract), body["h_contract_terms"])
		assert.NotEmpty(t, body["sig"])
		assert.NotEmpty(t, body["contract_terms"])
	})

	t.Run("fail, malformed body", func(t *testing.T) {
		ts := newTestServer(t)

		resp, body := ts.post(t, []byte("{garbage"))

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, float64(pay.CodeMalformedRequest), body["code"])
		assert.NotEmpty(t, body["hint"])
	})

	t.Run("fail, unknown order", func(t *testing.T) {
		ts := newTestServer(t)
		hContract := ts.createOrder(t, "order-1", "EUR:5")

		resp, body := ts.post(t, ts.payBody(t, "order-nope", hContract, "EUR:5"))

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, float64(pay.CodeOrderUnknown), body["code"])
	})

	t.Run("fail, insufficient payment", func(t *testing.T) {
		ts := newTestServer(t)
		hContract := ts.createOrder(t, "order-1", "EUR:5")

		resp, body := ts.post(t, ts.payBody(t, "order-1", hContract, "EUR:3"))

		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Equal(t, float64(pay.CodePaymentInsufficient), body["code"])
	})

	t.Run("fail, exchange failure tags the coin", func(t *testing.T) {
		ts := newTestServer(t)
		hContract := ts.createOrder(t, "order-1", "EUR:5")
		ts.fake.SetDepositHook(func(string) (int, int, string) {
			return http.StatusInternalServerError, 1042, "spend failed"
		})

		resp, body := ts.post(t, ts.payBody(t, "order-1", hContract, "EUR:5"))

		assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
		assert.Equal(t, float64(pay.CodeExchangeFailure), body["code"])
		assert.Equal(t, float64(0), body["coin_idx"])
		assert.Equal(t, float64(http.StatusInternalServerError), body["exchange_status"])
	})
}

func Test_HealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/_health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
