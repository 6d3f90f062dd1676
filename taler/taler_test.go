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

package taler_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

func Test_SignPurpose(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("ok, sign and verify", func(t *testing.T) {
		body := []byte("deposit body")
		sig := taler.SignPurpose(priv, taler.PurposeWalletCoinDeposit, body)
		assert.True(t, taler.VerifyPurpose(pub, taler.PurposeWalletCoinDeposit, body, sig))
	})

	t.Run("fail, wrong purpose rejected", func(t *testing.T) {
		body := []byte("deposit body")
		sig := taler.SignPurpose(priv, taler.PurposeWalletCoinDeposit, body)
		assert.False(t, taler.VerifyPurpose(pub, taler.PurposeMerchantRefund, body, sig))
	})

	t.Run("fail, tampered body rejected", func(t *testing.T) {
		sig := taler.SignPurpose(priv, taler.PurposeMerchantContract, []byte("original"))
		assert.False(t, taler.VerifyPurpose(pub, taler.PurposeMerchantContract, []byte("tampered"), sig))
	})

	t.Run("fail, malformed public key", func(t *testing.T) {
		sig := taler.SignPurpose(priv, taler.PurposeMerchantContract, []byte("body"))
		assert.False(t, taler.VerifyPurpose([]byte("short"), taler.PurposeMerchantContract, []byte("body"), sig))
	})
}

func Test_HashContractTerms(t *testing.T) {
	t.Run("ok, formatting independent", func(t *testing.T) {
		a := json.RawMessage(`{"amount": "EUR:5", "order_id": "o-1"}`)
		b := json.RawMessage("{\n  \"order_id\": \"o-1\",\n  \"amount\": \"EUR:5\"\n}")
		ha, err := taler.HashContractTerms(a)
		require.NoError(t, err)
		hb, err := taler.HashContractTerms(b)
		require.NoError(t, err)
		assert.Equal(t, ha, hb)
		assert.Len(t, ha, 64)
	})

	t.Run("ok, value change alters hash", func(t *testing.T) {
		ha, err := taler.HashContractTerms(json.RawMessage(`{"amount":"EUR:5"}`))
		require.NoError(t, err)
		hb, err := taler.HashContractTerms(json.RawMessage(`{"amount":"EUR:6"}`))
		require.NoError(t, err)
		assert.NotEqual(t, ha, hb)
	})

	t.Run("fail, invalid json", func(t *testing.T) {
		_, err := taler.HashContractTerms(json.RawMessage(`{"amount":`))
		assert.Error(t, err)
	})
}

func Test_EncodeBinary(t *testing.T) {
	t.Run("ok, roundtrip", func(t *testing.T) {
		raw := []byte{0x00, 0xff, 0x10, 0x20}
		decoded, err := taler.DecodeBinary(taler.EncodeBinary(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
	})

	t.Run("fail, invalid encoding", func(t *testing.T) {
		_, err := taler.DecodeBinary("not!valid!")
		assert.Error(t, err)
	})
}
