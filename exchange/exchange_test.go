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

package exchange_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/internal/test/merchanttest"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

func Test_FindExchange(t *testing.T) {
	merchanttest.WrapLog(t)

	t.Run("ok, trusted master key", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		client := exchange.NewClient(exchange.Config{
			TrustedExchanges: []string{fake.MasterPubEncoded},
		}, nil)

		h, err := client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)
		assert.True(t, h.Trusted)

		denom, err := h.DenomByPub(fake.DenomPubEncoded)
		require.NoError(t, err)
		assert.Equal(t, amount.MustParse("EUR:0.01"), denom.DepositFee)

		fee, err := h.WireFee("x-taler-bank")
		require.NoError(t, err)
		assert.Equal(t, amount.MustParse("EUR:0.05"), fee)
	})

	t.Run("ok, second lookup served from cache", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		client := exchange.NewClient(exchange.Config{
			TrustedExchanges: []string{fake.MasterPubEncoded},
		}, nil)

		_, err := client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)
		_, err = client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)

		assert.Equal(t, 1, fake.KeysCalls())
	})

	t.Run("ok, audited denomination without trusted master", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{Audited: true})
		client := exchange.NewClient(exchange.Config{
			TrustedAuditors: []string{fake.AuditorPubEncoded},
		}, nil)

		h, err := client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)
		assert.False(t, h.Trusted)

		denom, err := h.DenomByPub(fake.DenomPubEncoded)
		require.NoError(t, err)
		assert.True(t, denom.Audited)
	})

	t.Run("fail, untrusted exchange", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		client := exchange.NewClient(exchange.Config{}, nil)

		_, err := client.FindExchange(t.Context(), fake.URL())
		assert.ErrorIs(t, err, exchange.ErrUntrustedExchange)
	})

	t.Run("fail, unknown wire method", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		client := exchange.NewClient(exchange.Config{
			TrustedExchanges: []string{fake.MasterPubEncoded},
		}, nil)

		h, err := client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)

		_, err = h.WireFee("sepa")
		assert.ErrorIs(t, err, exchange.ErrNoWireFee)
	})

	t.Run("fail, unknown denomination", func(t *testing.T) {
		fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		client := exchange.NewClient(exchange.Config{
			TrustedExchanges: []string{fake.MasterPubEncoded},
		}, nil)

		h, err := client.FindExchange(t.Context(), fake.URL())
		require.NoError(t, err)

		_, err = h.DenomByPub("bm9wZQ")
		assert.ErrorIs(t, err, exchange.ErrUnknownDenomination)
	})
}

func depositRequest(t *testing.T, fake *merchanttest.FakeExchange, coin merchanttest.Coin, contribution string) exchange.DepositRequest {
	t.Helper()

	merchantPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hContract := sha512.Sum512([]byte("contract"))
	hWire := sha512.Sum512([]byte(`{"type":"x-taler-bank"}`))

	contrib := amount.MustParse(contribution)
	now := time.Now()
	return exchange.DepositRequest{
		HContract:      hContract[:],
		HWire:          hWire[:],
		CoinPub:        coin.Pub,
		DenomPub:       coin.DenomPub,
		UBSig:          coin.UBSig,
		CoinSig:        coin.SignDeposit(hContract[:], hWire[:], merchantPub, contrib.String()),
		Contribution:   contrib,
		MerchantPub:    merchantPub,
		WireDetails:    json.RawMessage(`{"type":"x-taler-bank"}`),
		Timestamp:      now,
		RefundDeadline: now.Add(time.Hour),
		WireDeadline:   now.Add(2 * time.Hour),
	}
}

func Test_Deposit(t *testing.T) {
	merchanttest.WrapLog(t)

	fake := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
	client := exchange.NewClient(exchange.Config{
		TrustedExchanges: []string{fake.MasterPubEncoded},
	}, nil)

	h, err := client.FindExchange(t.Context(), fake.URL())
	require.NoError(t, err)

	t.Run("ok, coin deposited", func(t *testing.T) {
		coin := fake.Mint(t)
		res, err := client.Deposit(t.Context(), h, depositRequest(t, fake, coin, "EUR:5"))
		require.NoError(t, err)

		assert.NotEmpty(t, res.ExchangeSig)
		assert.NotEmpty(t, res.ExchangeProof)
		assert.Equal(t, amount.MustParse("EUR:0.01"), res.DepositFee)
		assert.Contains(t, fake.Deposited(), taler.EncodeBinary(coin.Pub))
	})

	t.Run("fail, forged denomination signature never reaches the wire", func(t *testing.T) {
		coin := fake.Mint(t)
		coin.UBSig[0] ^= 0xff

		before := len(fake.Deposited())
		_, err := client.Deposit(t.Context(), h, depositRequest(t, fake, coin, "EUR:5"))

		var verr exchange.VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, fake.Deposited(), before)
	})

	t.Run("fail, tampered deposit permission", func(t *testing.T) {
		coin := fake.Mint(t)
		req := depositRequest(t, fake, coin, "EUR:5")
		req.Contribution = amount.MustParse("EUR:6")

		var verr exchange.VerificationError
		_, err := client.Deposit(t.Context(), h, req)
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("fail, exchange rejects deposit", func(t *testing.T) {
		fake.SetDepositHook(func(string) (int, int, string) {
			return http.StatusInternalServerError, 1042, "spend failed"
		})
		t.Cleanup(func() { fake.SetDepositHook(nil) })

		coin := fake.Mint(t)
		_, err := client.Deposit(t.Context(), h, depositRequest(t, fake, coin, "EUR:5"))

		var xerr exchange.ExchangeError
		require.ErrorAs(t, err, &xerr)
		assert.Equal(t, http.StatusInternalServerError, xerr.StatusCode)
		assert.Equal(t, 1042, xerr.Code)
		assert.Equal(t, "spend failed", xerr.Hint)
	})

	t.Run("fail, coin of foreign denomination", func(t *testing.T) {
		other := merchanttest.NewFakeExchange(t, merchanttest.ExchangeConfig{})
		coin := other.Mint(t)
		_, err := client.Deposit(t.Context(), h, depositRequest(t, fake, coin, "EUR:5"))
		assert.ErrorIs(t, err, exchange.ErrUnknownDenomination)
	})
}
