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

package exchange

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// Denomination is one denomination key offered by an exchange.
type Denomination struct {
	// Pub is the RSA key coins of this denomination are blind-signed with.
	Pub *rsa.PublicKey
	// PubEncoded is the wire form of Pub, used as the lookup key.
	PubEncoded string
	Value      amount.Amount
	DepositFee amount.Amount
	RefundFee  amount.Amount
	// Audited is set when a trusted auditor vouches for this denomination.
	Audited bool
}

// Handle is the parsed and trust-checked /keys state of one exchange.
type Handle struct {
	BaseURL   string
	MasterPub ed25519.PublicKey
	// Trusted is set when the master key is in the configured trust set.
	// Individual denominations may still be acceptable through an auditor.
	Trusted bool

	denoms    map[string]*Denomination
	wireFees  map[string]amount.Amount
	fetchedAt time.Time
}

// DenomByPub looks up a denomination by its wire-encoded public key.
// Denominations that are neither exchange-trusted nor audited are not
// present, so an untrusted key surfaces as ErrUnknownDenomination.
func (h *Handle) DenomByPub(denomPub string) (*Denomination, error) {
	d, ok := h.denoms[denomPub]
	if !ok {
		return nil, ErrUnknownDenomination
	}
	return d, nil
}

// WireFee returns the fee the exchange charges for wiring funds via the
// given wire method.
func (h *Handle) WireFee(method string) (amount.Amount, error) {
	fee, ok := h.wireFees[method]
	if !ok {
		return amount.Amount{}, fmt.Errorf("%w: %q at %s", ErrNoWireFee, method, h.BaseURL)
	}
	return fee, nil
}

func (h *Handle) expired(ttl time.Duration) bool {
	return h.fetchedAt.Add(ttl).Before(time.Now())
}

// Wire format of GET /keys.
type keysResponse struct {
	MasterPublicKey string                 `json:"master_public_key"`
	Denoms          []denomInfo            `json:"denoms"`
	Auditors        []auditorInfo          `json:"auditors"`
	WireFees        map[string]wireFeeInfo `json:"wire_fees"`
}

type denomInfo struct {
	DenomPub   string `json:"denom_pub"`
	Value      string `json:"value"`
	FeeDeposit string `json:"fee_deposit"`
	FeeRefund  string `json:"fee_refund"`
}

type auditorInfo struct {
	AuditorPub       string   `json:"auditor_pub"`
	DenominationKeys []string `json:"denomination_keys"`
}

type wireFeeInfo struct {
	WireFee string `json:"wire_fee"`
}

// ParseDenomPub decodes a wire-encoded RSA denomination public key.
func ParseDenomPub(encoded string) (*rsa.PublicKey, error) {
	der, err := taler.DecodeBinary(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode denomination key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse denomination key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("denomination key is %T, not RSA", pub)
	}
	return rsaPub, nil
}

// EncodeDenomPub renders an RSA denomination public key in its wire form.
func EncodeDenomPub(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal denomination key: %w", err)
	}
	return taler.EncodeBinary(der), nil
}

// parseKeys builds a Handle from a /keys body, keeping only denominations
// the merchant may accept: all of them when the exchange's master key is
// trusted, otherwise only those vouched for by a trusted auditor.
func parseKeys(baseURL string, body []byte, trustedMasters, trustedAuditors map[string]bool) (*Handle, error) {
	var resp keysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode keys response: %w", err)
	}

	masterRaw, err := taler.DecodeBinary(resp.MasterPublicKey)
	if err != nil || len(masterRaw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid master public key %q", resp.MasterPublicKey)
	}

	audited := make(map[string]bool)
	haveTrustedAuditor := false
	for _, a := range resp.Auditors {
		if !trustedAuditors[a.AuditorPub] {
			continue
		}
		haveTrustedAuditor = true
		for _, dk := range a.DenominationKeys {
			audited[dk] = true
		}
	}

	trusted := trustedMasters[resp.MasterPublicKey]
	if !trusted && !haveTrustedAuditor {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedExchange, baseURL)
	}

	h := &Handle{
		BaseURL:   baseURL,
		MasterPub: ed25519.PublicKey(masterRaw),
		Trusted:   trusted,
		denoms:    make(map[string]*Denomination, len(resp.Denoms)),
		wireFees:  make(map[string]amount.Amount, len(resp.WireFees)),
		fetchedAt: time.Now(),
	}

	for _, d := range resp.Denoms {
		if !trusted && !audited[d.DenomPub] {
			slog.Warn("skipping unaudited denomination of untrusted exchange",
				"exchange", baseURL)
			continue
		}
		pub, err := ParseDenomPub(d.DenomPub)
		if err != nil {
			return nil, err
		}
		value, err := amount.Parse(d.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid denomination value: %w", err)
		}
		depositFee, err := amount.Parse(d.FeeDeposit)
		if err != nil {
			return nil, fmt.Errorf("invalid deposit fee: %w", err)
		}
		refundFee, err := amount.Parse(d.FeeRefund)
		if err != nil {
			return nil, fmt.Errorf("invalid refund fee: %w", err)
		}
		h.denoms[d.DenomPub] = &Denomination{
			Pub:        pub,
			PubEncoded: d.DenomPub,
			Value:      value,
			DepositFee: depositFee,
			RefundFee:  refundFee,
			Audited:    audited[d.DenomPub],
		}
	}

	for method, fee := range resp.WireFees {
		wf, err := amount.Parse(fee.WireFee)
		if err != nil {
			return nil, fmt.Errorf("invalid wire fee for %q: %w", method, err)
		}
		h.wireFees[method] = wf
	}

	return h, nil
}
