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

// Package merchantdb defines the storage contracts of the merchant backend:
// contract terms, per-coin deposit records and refund records, together with
// the transaction and status vocabulary shared by all implementations.
package merchantdb

import (
	"context"
	"encoding/json"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
)

// QueryStatus is the tri-state result vocabulary used by every store
// operation, with the error side split into retryable and fatal.
type QueryStatus int

const (
	// StatusHardError is a non-retryable failure (constraint violation,
	// connection loss, corrupted stored data).
	StatusHardError QueryStatus = iota - 2
	// StatusSoftError is a serialization conflict. The surrounding
	// transaction must be rolled back and retried from scratch.
	StatusSoftError
	// StatusNoResults indicates the operation succeeded but affected or
	// found nothing.
	StatusNoResults
	// StatusSuccess indicates the operation succeeded with a result.
	StatusSuccess
)

func (s QueryStatus) String() string {
	switch s {
	case StatusHardError:
		return "hard error"
	case StatusSoftError:
		return "soft error"
	case StatusNoResults:
		return "no results"
	case StatusSuccess:
		return "success"
	default:
		return "unknown status"
	}
}

// ContractTermsRow is a stored order: the merchant's signed contract terms.
// Immutable after creation except for the paid flag and the session binding.
type ContractTermsRow struct {
	OrderID       string
	MerchantPub   []byte
	ContractTerms json.RawMessage
	// Hash is the SHA-512 hash over the canonical JSON encoding of ContractTerms.
	Hash          []byte
	Paid          bool
	LastSessionID string
}

// DepositRow records one accepted coin for one contract. Created exactly once
// per (coin, contract) pair and never mutated.
type DepositRow struct {
	HContractTerms []byte
	MerchantPub    []byte
	CoinPub        []byte
	ExchangeURL    string
	AmountWithFee  amount.Amount
	DepositFee     amount.Amount
	RefundFee      amount.Amount
	WireFee        amount.Amount
	ExchangeSig    []byte
	// ExchangeProof is the raw exchange response kept for dispute resolution.
	ExchangeProof json.RawMessage
}

// RefundRow records one refund granted against a contract.
type RefundRow struct {
	HContractTerms []byte
	CoinPub        []byte
	RTransactionID uint64
	RefundAmount   amount.Amount
	RefundFee      amount.Amount
	Reason         string
}

// SessionRow binds a paid order to a wallet session.
type SessionRow struct {
	SessionID      string
	FulfillmentURL string
	OrderID        string
	MerchantPub    []byte
}

// Queries is the set of operations available both in autocommit mode and
// inside a transaction.
//
// Implementations:
//   - Must report serialization conflicts as [StatusSoftError] and never as
//     [StatusHardError], so callers can retry.
//   - Must treat all byte-slice keys as owned by the caller and not retain them.
type Queries interface {
	// InsertContractTerms stores a new order. Returns StatusHardError when the
	// order id already exists for this merchant.
	InsertContractTerms(ctx context.Context, row ContractTermsRow) QueryStatus

	// FindContractTerms looks up an order's contract terms by order id.
	// Returns StatusNoResults when the order is unknown.
	FindContractTerms(ctx context.Context, orderID string, merchantPub []byte) (json.RawMessage, string, QueryStatus)

	// MarkContractPaid flips the paid flag for a contract.
	// Must be idempotent: marking an already-paid contract is StatusSuccess.
	// Returns StatusNoResults when the contract is unknown.
	MarkContractPaid(ctx context.Context, hContract, merchantPub []byte) QueryStatus

	// IsContractPaid reports whether a contract has been marked paid.
	// Returns StatusNoResults when the contract is unknown.
	IsContractPaid(ctx context.Context, hContract, merchantPub []byte) (bool, QueryStatus)

	// InsertSessionInfo records a session binding for a paid order,
	// replacing any previous binding for the same session id.
	InsertSessionInfo(ctx context.Context, row SessionRow) QueryStatus

	// FindDepositsByContract returns all coins deposited for a contract,
	// as an owned slice in insertion order.
	FindDepositsByContract(ctx context.Context, hContract, merchantPub []byte) ([]DepositRow, QueryStatus)

	// StoreDeposit records one accepted coin.
	// Must be duplicate-safe: storing the same (coin, contract) pair again
	// leaves the first record untouched and returns StatusSuccess, so the
	// surrounding flow can be retried.
	StoreDeposit(ctx context.Context, row DepositRow) QueryStatus

	// GetRefunds returns all refunds recorded against a contract.
	GetRefunds(ctx context.Context, hContract, merchantPub []byte) ([]RefundRow, QueryStatus)

	// IncreaseRefund records an additional refund of the given amount against
	// a contract, distributing it over the contract's deposited coins.
	// Must return StatusHardError if the cumulative refunded amount would
	// exceed the cumulative deposited amount; callers are expected to check
	// first, this is the last-resort invariant.
	IncreaseRefund(ctx context.Context, hContract, merchantPub []byte, amt amount.Amount, reason string) QueryStatus
}

// Tx is an open database transaction.
type Tx interface {
	Queries

	// Commit commits the transaction. A StatusSoftError commit means the
	// whole transaction must be re-run from scratch.
	Commit(ctx context.Context) QueryStatus
	// Rollback aborts the transaction. Safe to call after Commit, so it can
	// be deferred.
	Rollback(ctx context.Context)
}

// Store is the merchant database.
type Store interface {
	Queries

	// Begin opens a transaction. The label names the transaction for
	// diagnostics only.
	Begin(ctx context.Context, label string) (Tx, error)
}
