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
	"fmt"
	"net/http"
)

// Numeric protocol error codes in the merchant range, stable across releases.
const (
	CodeMalformedRequest      = 2100
	CodeOrderUnknown          = 2101
	CodeWrongInstance         = 2102
	CodeOfferExpired          = 2103
	CodeWireMethodUnsupported = 2104
	CodeContractInvariant     = 2105

	CodeCoinSignatureInvalid = 2110
	CodeDenominationUnknown  = 2111
	CodeExchangeUntrusted    = 2112
	CodeExchangeFailure      = 2113
	CodeExchangeUnreachable  = 2114

	// The three insufficiency cases are distinct so wallets can tell the
	// user what actually went wrong.
	CodePaymentInsufficient           = 2120
	CodePaymentInsufficientDueToFees  = 2121
	CodePaymentReducedByRefunds       = 2122

	CodeAbortAlreadyPaid = 2130

	CodeDatabaseHardError   = 2140
	CodeDatabaseRetryBound  = 2141
	CodeInternalError       = 2142
)

// Error is a structured payment failure: a stable numeric code plus the
// HTTP status class communicating retryability to the wallet.
type Error struct {
	Code       int
	HTTPStatus int
	Hint       string
	// CoinIndex tags the coin that caused an exchange-side failure, -1 otherwise.
	CoinIndex int
	// ExchangeStatus is the HTTP status the exchange responded with, 0 otherwise.
	ExchangeStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pay error %d: %s: %v", e.Code, e.Hint, e.Err)
	}
	return fmt.Sprintf("pay error %d: %s", e.Code, e.Hint)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, httpStatus int, hint string) *Error {
	return &Error{
		Code:       code,
		HTTPStatus: httpStatus,
		Hint:       hint,
		CoinIndex:  -1,
	}
}

func wrapError(code, httpStatus int, hint string, err error) *Error {
	e := newError(code, httpStatus, hint)
	e.Err = err
	return e
}

func malformed(hint string) *Error {
	return newError(CodeMalformedRequest, http.StatusBadRequest, hint)
}

func internalError(hint string, err error) *Error {
	return wrapError(CodeInternalError, http.StatusInternalServerError, hint, err)
}
