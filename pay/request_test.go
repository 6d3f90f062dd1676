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

package pay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

func validBody(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()

	merchantPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	coinPub, coinPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m := map[string]any{
		"mode":         "pay",
		"order_id":     "order-1",
		"merchant_pub": taler.EncodeBinary(merchantPub),
		"coins": []map[string]any{{
			"coin_pub":     taler.EncodeBinary(coinPub),
			"denom_pub":    "denom-1",
			"ub_sig":       taler.EncodeBinary([]byte("sig")),
			"coin_sig":     taler.EncodeBinary(ed25519.Sign(coinPriv, []byte("x"))),
			"contribution": "EUR:5",
			"exchange_url": "https://exchange.example",
		}},
	}
	if mutate != nil {
		mutate(m)
	}

	body, err := json.Marshal(m)
	require.NoError(t, err)
	return body
}

func Test_ParseRequest(t *testing.T) {
	t.Run("ok, valid request", func(t *testing.T) {
		req, perr := ParseRequest(validBody(t, nil))
		require.Nil(t, perr)
		assert.Equal(t, "order-1", req.OrderID)
		assert.Equal(t, ModePay, req.Mode)
		require.Len(t, req.Coins, 1)
	})

	t.Run("ok, abort-refund without coins", func(t *testing.T) {
		req, perr := ParseRequest(validBody(t, func(m map[string]any) {
			m["mode"] = "abort-refund"
			m["coins"] = []map[string]any{}
		}))
		require.Nil(t, perr)
		assert.Equal(t, ModeAbortRefund, req.Mode)
		assert.Empty(t, req.Coins)
	})

	t.Run("ok, missing mode defaults to pay", func(t *testing.T) {
		req, perr := ParseRequest(validBody(t, func(m map[string]any) {
			delete(m, "mode")
		}))
		require.Nil(t, perr)
		assert.Equal(t, ModePay, req.Mode)
	})

	failCases := map[string]func(m map[string]any){
		"not json entirely":  nil, // replaced below
		"unknown mode":       func(m map[string]any) { m["mode"] = "steal" },
		"missing order id":   func(m map[string]any) { delete(m, "order_id") },
		"bad merchant pub":   func(m map[string]any) { m["merchant_pub"] = "xx" },
		"no coins":           func(m map[string]any) { m["coins"] = []map[string]any{} },
		"bad contribution":   func(m map[string]any) { coin(m)["contribution"] = "EUR" },
		"bad coin pub":       func(m map[string]any) { coin(m)["coin_pub"] = "short" },
		"bad coin signature": func(m map[string]any) { coin(m)["coin_sig"] = taler.EncodeBinary([]byte("n")) },
		"no exchange url":    func(m map[string]any) { coin(m)["exchange_url"] = "" },
	}
	for name, mutate := range failCases {
		t.Run(fmt.Sprintf("fail, %s", name), func(t *testing.T) {
			body := []byte("{")
			if mutate != nil {
				body = validBody(t, mutate)
			}
			_, perr := ParseRequest(body)
			require.NotNil(t, perr)
			assert.Equal(t, CodeMalformedRequest, perr.Code)
		})
	}

	t.Run("fail, mixed currencies", func(t *testing.T) {
		_, perr := ParseRequest(validBody(t, func(m map[string]any) {
			coins := m["coins"].([]map[string]any)
			second := map[string]any{}
			for k, v := range coins[0] {
				second[k] = v
			}
			pub, _, err := ed25519.GenerateKey(rand.Reader)
			require.NoError(t, err)
			second["coin_pub"] = taler.EncodeBinary(pub)
			second["contribution"] = "USD:1"
			m["coins"] = append(coins, second)
		}))
		require.NotNil(t, perr)
		assert.Equal(t, CodeMalformedRequest, perr.Code)
	})
}

func coin(m map[string]any) map[string]any {
	return m["coins"].([]map[string]any)[0]
}
