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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// ContractTerms are the fields of an order's contract terms the payment
// flow decides on. The raw JSON stays authoritative; these are extracted
// once at parse time.
type ContractTerms struct {
	Amount              amount.Amount
	MaxFee              amount.Amount
	MaxWireFee          amount.Amount
	WireFeeAmortization uint32
	PayDeadline         time.Time
	RefundDeadline      time.Time
	WireDeadline        time.Time
	FulfillmentURL      string
	HWire               []byte
	Timestamp           time.Time
}

type wireContractTerms struct {
	Amount              string `json:"amount"`
	MaxFee              string `json:"max_fee"`
	MaxWireFee          string `json:"max_wire_fee"`
	WireFeeAmortization uint32 `json:"wire_fee_amortization"`
	PayDeadline         int64  `json:"pay_deadline"`
	RefundDeadline      int64  `json:"refund_deadline"`
	WireDeadline        int64  `json:"wire_transfer_deadline"`
	FulfillmentURL      string `json:"fulfillment_url"`
	HWire               string `json:"h_wire"`
	Timestamp           int64  `json:"timestamp"`
}

// parseContractTerms extracts the payment-relevant fields from stored
// contract terms. Stored terms were validated at order creation, so a
// failure here is corrupted stored data, not client error.
func parseContractTerms(raw json.RawMessage) (*ContractTerms, error) {
	var wire wireContractTerms
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode contract terms: %w", err)
	}

	if wire.Amount == "" || wire.MaxFee == "" || wire.HWire == "" || wire.PayDeadline == 0 {
		return nil, fmt.Errorf("contract terms missing required fields")
	}

	amt, err := amount.Parse(wire.Amount)
	if err != nil {
		return nil, fmt.Errorf("contract amount: %w", err)
	}
	maxFee, err := amount.Parse(wire.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("contract max_fee: %w", err)
	}
	maxWireFee := amt.Zero()
	if wire.MaxWireFee != "" {
		maxWireFee, err = amount.Parse(wire.MaxWireFee)
		if err != nil {
			return nil, fmt.Errorf("contract max_wire_fee: %w", err)
		}
	}
	hWire, err := taler.DecodeBinary(wire.HWire)
	if err != nil {
		return nil, fmt.Errorf("contract h_wire: %w", err)
	}

	// The amortization factor divides the wire-fee excess; zero would be a
	// division by zero, so it is clamped at parse time.
	amortization := wire.WireFeeAmortization
	if amortization < 1 {
		amortization = 1
	}

	return &ContractTerms{
		Amount:              amt,
		MaxFee:              maxFee,
		MaxWireFee:          maxWireFee,
		WireFeeAmortization: amortization,
		PayDeadline:         time.Unix(wire.PayDeadline, 0),
		RefundDeadline:      time.Unix(wire.RefundDeadline, 0),
		WireDeadline:        time.Unix(wire.WireDeadline, 0),
		FulfillmentURL:      wire.FulfillmentURL,
		HWire:               hWire,
		Timestamp:           time.Unix(wire.Timestamp, 0),
	}, nil
}

// validate checks the deadlines the payment flow depends on.
func (t *ContractTerms) validate(now time.Time) *Error {
	// Order creation must already guarantee this ordering; seeing it violated
	// here means the stored contract is bad, not the request.
	if t.WireDeadline.Before(t.RefundDeadline) {
		return newError(CodeContractInvariant, http.StatusInternalServerError,
			"wire transfer deadline before refund deadline")
	}
	if now.After(t.PayDeadline) {
		return newError(CodeOfferExpired, http.StatusGone, "payment deadline elapsed")
	}
	return nil
}
