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
	"encoding/json"
	"fmt"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// Mode selects the payment sub-flow.
type Mode string

const (
	// ModePay is a regular payment.
	ModePay Mode = "pay"
	// ModeAbortRefund aborts an incomplete payment and asks for the already
	// deposited coins back.
	ModeAbortRefund Mode = "abort-refund"
)

// CoinContribution is one coin offered as part of a payment.
type CoinContribution struct {
	CoinPub  []byte
	DenomPub string
	UBSig    []byte
	CoinSig  []byte
	// Contribution is the amount this coin pays, including its deposit fee.
	Contribution amount.Amount
	ExchangeURL  string
}

// Request is a parsed /pay body.
type Request struct {
	OrderID     string
	MerchantPub ed25519.PublicKey
	Mode        Mode
	SessionID   string
	Coins       []CoinContribution
}

type wireCoin struct {
	CoinPub      string `json:"coin_pub"`
	DenomPub     string `json:"denom_pub"`
	UBSig        string `json:"ub_sig"`
	CoinSig      string `json:"coin_sig"`
	Contribution string `json:"contribution"`
	ExchangeURL  string `json:"exchange_url"`
}

type wireRequest struct {
	Mode        string     `json:"mode"`
	OrderID     string     `json:"order_id"`
	MerchantPub string     `json:"merchant_pub"`
	SessionID   string     `json:"session_id"`
	Coins       []wireCoin `json:"coins"`
}

// ParseRequest decodes and validates a /pay body. A coin public key
// appearing twice in one request would spend the same coin twice within a
// single payment, so duplicates are rejected as malformed.
func ParseRequest(body []byte) (*Request, *Error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, malformed("request body is not valid JSON")
	}

	if wire.OrderID == "" {
		return nil, malformed("order_id missing")
	}

	mode := Mode(wire.Mode)
	if wire.Mode == "" {
		mode = ModePay
	}
	if mode != ModePay && mode != ModeAbortRefund {
		return nil, malformed(fmt.Sprintf("unknown mode %q", wire.Mode))
	}

	merchantPub, err := taler.DecodeBinary(wire.MerchantPub)
	if err != nil || len(merchantPub) != ed25519.PublicKeySize {
		return nil, malformed("merchant_pub invalid")
	}

	// An abort derives everything from recorded deposits and ignores
	// request coins, so an empty coin array is only malformed for a payment.
	if len(wire.Coins) == 0 && mode == ModePay {
		return nil, malformed("coin array empty")
	}

	seen := make(map[string]bool, len(wire.Coins))
	coins := make([]CoinContribution, 0, len(wire.Coins))
	for i, wc := range wire.Coins {
		if seen[wc.CoinPub] {
			return nil, malformed(fmt.Sprintf("coin %d: duplicate coin_pub", i))
		}
		seen[wc.CoinPub] = true

		coinPub, err := taler.DecodeBinary(wc.CoinPub)
		if err != nil || len(coinPub) != ed25519.PublicKeySize {
			return nil, malformed(fmt.Sprintf("coin %d: coin_pub invalid", i))
		}
		ubSig, err := taler.DecodeBinary(wc.UBSig)
		if err != nil || len(ubSig) == 0 {
			return nil, malformed(fmt.Sprintf("coin %d: ub_sig invalid", i))
		}
		coinSig, err := taler.DecodeBinary(wc.CoinSig)
		if err != nil || len(coinSig) != ed25519.SignatureSize {
			return nil, malformed(fmt.Sprintf("coin %d: coin_sig invalid", i))
		}
		contribution, err := amount.Parse(wc.Contribution)
		if err != nil {
			return nil, malformed(fmt.Sprintf("coin %d: contribution invalid", i))
		}
		if wc.ExchangeURL == "" {
			return nil, malformed(fmt.Sprintf("coin %d: exchange_url missing", i))
		}

		coins = append(coins, CoinContribution{
			CoinPub:      coinPub,
			DenomPub:     wc.DenomPub,
			UBSig:        ubSig,
			CoinSig:      coinSig,
			Contribution: contribution,
			ExchangeURL:  wc.ExchangeURL,
		})
	}

	for i := 1; i < len(coins); i++ {
		if !coins[0].Contribution.SameCurrency(coins[i].Contribution) {
			return nil, malformed(fmt.Sprintf("coin %d: currency differs from coin 0", i))
		}
	}

	return &Request{
		OrderID:     wire.OrderID,
		MerchantPub: ed25519.PublicKey(merchantPub),
		Mode:        mode,
		SessionID:   wire.SessionID,
		Coins:       coins,
	}, nil
}
