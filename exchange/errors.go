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
	"errors"
	"fmt"
)

var (
	// ErrUnknownDenomination indicates a coin's denomination key is not
	// offered (or not trusted) at the exchange it claims to come from.
	ErrUnknownDenomination = errors.New("unknown denomination key")

	// ErrUntrustedExchange indicates neither the exchange's master key nor
	// any of its auditors is in the configured trust set.
	ErrUntrustedExchange = errors.New("exchange is not trusted")

	// ErrNoWireFee indicates the exchange published no wire fee for the
	// merchant's wire method.
	ErrNoWireFee = errors.New("no wire fee for wire method")
)

// VerificationError indicates a coin failed local signature verification
// before any request was sent to the exchange.
type VerificationError struct {
	Err error
}

func (e VerificationError) Error() string {
	return e.Err.Error()
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// ExchangeError carries a failure reported by the exchange itself.
type ExchangeError struct {
	// StatusCode is the HTTP status the exchange responded with.
	StatusCode int
	// Code is the numeric protocol error code from the response body, if any.
	Code int
	// Hint is the human-readable hint from the response body, if any.
	Hint string
}

func (e ExchangeError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("exchange error: status %d code %d", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("exchange error: status %d code %d: %s", e.StatusCode, e.Code, e.Hint)
}
