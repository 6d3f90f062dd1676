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
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/otel/otelutil"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// SigVariant is the blind-signature scheme denominations are issued under.
var SigVariant = blindrsa.SHA384PSSDeterministic

// DepositRequest is one coin's deposit, already bound to a contract.
type DepositRequest struct {
	HContract    []byte
	HWire        []byte
	CoinPub      []byte
	DenomPub     string
	UBSig        []byte
	CoinSig      []byte
	Contribution amount.Amount
	MerchantPub  ed25519.PublicKey
	WireDetails  json.RawMessage

	Timestamp      time.Time
	RefundDeadline time.Time
	WireDeadline   time.Time
}

// DepositResult is the exchange's confirmation of a deposit, plus the fees
// resolved from the coin's denomination.
type DepositResult struct {
	ExchangeSig []byte
	// ExchangeProof is the exchange's raw response body, kept for audits.
	ExchangeProof json.RawMessage
	DepositFee    amount.Amount
	RefundFee     amount.Amount
}

type depositWireRequest struct {
	HContractTerms string          `json:"h_contract_terms"`
	HWire          string          `json:"h_wire"`
	CoinPub        string          `json:"coin_pub"`
	DenomPub       string          `json:"denom_pub"`
	UBSig          string          `json:"ub_sig"`
	CoinSig        string          `json:"coin_sig"`
	Contribution   string          `json:"contribution"`
	MerchantPub    string          `json:"merchant_pub"`
	Wire           json.RawMessage `json:"wire"`
	Timestamp      int64           `json:"timestamp"`
	RefundDeadline int64           `json:"refund_deadline"`
	WireDeadline   int64           `json:"wire_transfer_deadline"`
}

type depositWireResponse struct {
	Status string `json:"status"`
	Sig    string `json:"sig"`
	Code   int    `json:"code"`
	Hint   string `json:"hint"`
}

// Deposit verifies a coin locally and submits it to the exchange.
//
// Must verify the denomination blind signature and the coin's deposit
// permission before sending anything; a forged coin is rejected with
// VerificationError and never reaches the wire.
//
// Must surface exchange-reported failures as ExchangeError so the caller
// can relay the exchange's status and code to the wallet.
func (c *Client) Deposit(ctx context.Context, h *Handle, req DepositRequest) (*DepositResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "exchange.client.Deposit")
	defer span.End()

	denom, err := h.DenomByPub(req.DenomPub)
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	if err := verifyCoin(denom, req); err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	body, err := json.Marshal(depositWireRequest{
		HContractTerms: taler.EncodeBinary(req.HContract),
		HWire:          taler.EncodeBinary(req.HWire),
		CoinPub:        taler.EncodeBinary(req.CoinPub),
		DenomPub:       req.DenomPub,
		UBSig:          taler.EncodeBinary(req.UBSig),
		CoinSig:        taler.EncodeBinary(req.CoinSig),
		Contribution:   req.Contribution.String(),
		MerchantPub:    taler.EncodeBinary(req.MerchantPub),
		Wire:           req.WireDetails,
		Timestamp:      req.Timestamp.Unix(),
		RefundDeadline: req.RefundDeadline.Unix(),
		WireDeadline:   req.WireDeadline.Unix(),
	})
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to marshal deposit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/deposit", bytes.NewReader(body))
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to build deposit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to reach exchange: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxKeysBodySize))
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to read deposit response: %w", err)
	}

	var wire depositWireResponse
	// An undecodable body on an error status still yields a usable
	// ExchangeError carrying the HTTP status.
	_ = json.Unmarshal(respBody, &wire)

	if resp.StatusCode != http.StatusOK || wire.Status != "DEPOSIT_OK" {
		return nil, otelutil.RecordError(span, ExchangeError{
			StatusCode: resp.StatusCode,
			Code:       wire.Code,
			Hint:       wire.Hint,
		})
	}

	sig, err := taler.DecodeBinary(wire.Sig)
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to decode exchange signature: %w", err)
	}

	return &DepositResult{
		ExchangeSig:   sig,
		ExchangeProof: json.RawMessage(respBody),
		DepositFee:    denom.DepositFee,
		RefundFee:     denom.RefundFee,
	}, nil
}

func verifyCoin(denom *Denomination, req DepositRequest) error {
	if len(req.CoinPub) != ed25519.PublicKeySize {
		return VerificationError{Err: fmt.Errorf("coin public key has %d bytes", len(req.CoinPub))}
	}

	verifier, err := blindrsa.NewVerifier(SigVariant, denom.Pub)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	if err := verifier.Verify(req.CoinPub, req.UBSig); err != nil {
		return VerificationError{Err: fmt.Errorf("denomination signature: %w", err)}
	}

	permission := taler.DepositPermissionBody(
		req.HContract, req.HWire, req.CoinPub, req.MerchantPub, req.Contribution.String())
	if !taler.VerifyPurpose(ed25519.PublicKey(req.CoinPub), taler.PurposeWalletCoinDeposit, permission, req.CoinSig) {
		return VerificationError{Err: fmt.Errorf("coin deposit signature invalid")}
	}

	return nil
}
