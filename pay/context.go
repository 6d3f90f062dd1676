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
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
)

// payContext is the in-memory state of one in-flight /pay call. It is
// exclusively owned by the orchestrator for the request's lifetime.
type payContext struct {
	req       *Request
	rawTerms  json.RawMessage
	terms     *ContractTerms
	hContract []byte
	wire      WireMethod
	coins     []*coinState
}

// coinState is the per-coin mutable state of a payment.
type coinState struct {
	idx        int
	coin       CoinContribution
	foundInDB  bool
	depositFee amount.Amount
	refundFee  amount.Amount
	wireFee    amount.Amount
}

// derived are the running totals of a payment. They are re-computed from
// persisted rows on every transaction attempt and never carried across
// retries, so a retried transaction cannot double-count.
type derived struct {
	// totalPaid sums amount-with-fee over every deposit recorded for the
	// contract, including coins from earlier partial payments.
	totalPaid        amount.Amount
	totalDepositFees amount.Amount
	totalRefunded    amount.Amount
	// wireFeeByExchange carries the wire fee once per distinct exchange.
	wireFeeByExchange map[string]amount.Amount
	// pending counts the request's coins not yet recorded in the database.
	pending int
}

// deriveState re-derives the payment's totals from the store. Request coins
// already recorded are marked found, with their fees taken from the stored
// rows rather than from any earlier in-memory attempt.
func (pc *payContext) deriveState(ctx context.Context, tx merchantdb.Queries) (*derived, merchantdb.QueryStatus) {
	zero := pc.terms.Amount.Zero()
	d := &derived{
		totalPaid:         zero,
		totalDepositFees:  zero,
		totalRefunded:     zero,
		wireFeeByExchange: make(map[string]amount.Amount),
		pending:           len(pc.coins),
	}

	rows, qs := tx.FindDepositsByContract(ctx, pc.hContract, pc.req.MerchantPub)
	if qs < 0 {
		return nil, qs
	}

	byCoin := make(map[string]*merchantdb.DepositRow, len(rows))
	for i := range rows {
		row := &rows[i]
		byCoin[hex.EncodeToString(row.CoinPub)] = row

		var err error
		if d.totalPaid, err = d.totalPaid.Add(row.AmountWithFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		if d.totalDepositFees, err = d.totalDepositFees.Add(row.DepositFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		d.wireFeeByExchange[row.ExchangeURL] = row.WireFee
	}

	for _, cs := range pc.coins {
		row, ok := byCoin[hex.EncodeToString(cs.coin.CoinPub)]
		if !ok {
			cs.foundInDB = false
			continue
		}
		cs.foundInDB = true
		cs.depositFee = row.DepositFee
		cs.refundFee = row.RefundFee
		cs.wireFee = row.WireFee
		d.pending--
	}

	refunds, qs := tx.GetRefunds(ctx, pc.hContract, pc.req.MerchantPub)
	if qs < 0 {
		return nil, qs
	}
	for _, r := range refunds {
		var err error
		if d.totalRefunded, err = d.totalRefunded.Add(r.RefundAmount); err != nil {
			return nil, merchantdb.StatusHardError
		}
	}

	return d, merchantdb.StatusSuccess
}

// subtractOrZero is max(0, a-b) in amount arithmetic.
func subtractOrZero(a, b amount.Amount) (amount.Amount, error) {
	diff, res, err := a.Subtract(b)
	if err != nil {
		return amount.Amount{}, err
	}
	if res == amount.SubtractNegative {
		return a.Zero(), nil
	}
	return diff, nil
}

// checkSufficiency decides whether the recorded deposits cover the contract.
//
// The customer only owes fees beyond the merchant's ceilings: the deposit-fee
// excess over max_fee in full, and the wire-fee excess over max_wire_fee
// divided by the amortization factor. Wire fees count once per distinct
// exchange, not per coin.
func (pc *payContext) checkSufficiency(d *derived) *Error {
	terms := pc.terms

	wireFeeTotal := terms.Amount.Zero()
	var err error
	for _, wf := range d.wireFeeByExchange {
		if wireFeeTotal, err = wireFeeTotal.Add(wf); err != nil {
			return internalError("wire fee arithmetic failed", err)
		}
	}

	wireExcess, err := subtractOrZero(wireFeeTotal, terms.MaxWireFee)
	if err != nil {
		return internalError("wire fee arithmetic failed", err)
	}
	customerWireFee := wireExcess.Divide(terms.WireFeeAmortization)

	depositExcess, err := subtractOrZero(d.totalDepositFees, terms.MaxFee)
	if err != nil {
		return internalError("deposit fee arithmetic failed", err)
	}

	owed := terms.Amount
	if owed, err = owed.Add(customerWireFee); err != nil {
		return internalError("fee arithmetic overflow", err)
	}
	if owed, err = owed.Add(depositExcess); err != nil {
		return internalError("fee arithmetic overflow", err)
	}

	final, res, err := d.totalPaid.Subtract(d.totalRefunded)
	if err != nil {
		return internalError("refund arithmetic failed", err)
	}
	if res == amount.SubtractNegative {
		// Refunds exceeding payments would have been rejected by the store.
		return internalError("refunded more than paid", nil)
	}

	cmp, err := final.Cmp(owed)
	if err != nil {
		return internalError("sufficiency comparison failed", err)
	}
	if cmp >= 0 {
		return nil
	}

	// Insufficient. Decide which of the three cases the wallet gets told.
	if paidCmp, err := d.totalPaid.Cmp(owed); err == nil && paidCmp >= 0 {
		return newError(CodePaymentReducedByRefunds, http.StatusPaymentRequired,
			"refunds reduced the payment below the required total")
	}
	if amtCmp, err := final.Cmp(terms.Amount); err == nil && amtCmp >= 0 {
		return newError(CodePaymentInsufficientDueToFees, http.StatusPaymentRequired,
			"payment does not cover the fees exceeding the merchant's maximum")
	}
	return newError(CodePaymentInsufficient, http.StatusPaymentRequired,
		"payment is below the contract amount")
}
