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

// Package inmem provides an in-memory merchant store for tests and local runs.
//
// Transactions hold the store lock from Begin to Commit or Rollback, which
// makes them serializable by construction. Soft errors never occur naturally
// but can be injected to exercise retry paths.
package inmem

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sync"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
)

type contractRec struct {
	row merchantdb.ContractTermsRow
}

type state struct {
	// contracts keyed by orderID|merchantPub, hashes keyed by hContract|merchantPub.
	contracts map[string]*contractRec
	byHash    map[string]*contractRec
	deposits  map[string][]merchantdb.DepositRow
	refunds   map[string][]merchantdb.RefundRow
	sessions  map[string]merchantdb.SessionRow
}

// Store is an in-memory merchantdb.Store.
type Store struct {
	mu *sync.Mutex
	st *state

	// pending soft-error injections, consumed one per commit.
	commitConflicts int
}

var _ merchantdb.Store = (*Store)(nil)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		mu: &sync.Mutex{},
		st: &state{
			contracts: make(map[string]*contractRec),
			byHash:    make(map[string]*contractRec),
			deposits:  make(map[string][]merchantdb.DepositRow),
			refunds:   make(map[string][]merchantdb.RefundRow),
			sessions:  make(map[string]merchantdb.SessionRow),
		},
	}
}

// InjectCommitConflicts makes the next n transaction commits fail with a
// soft error, exercising callers' retry loops.
func (s *Store) InjectCommitConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitConflicts += n
}

func orderKey(orderID string, merchantPub []byte) string {
	return orderID + "|" + hex.EncodeToString(merchantPub)
}

func hashKey(hContract, merchantPub []byte) string {
	return hex.EncodeToString(hContract) + "|" + hex.EncodeToString(merchantPub)
}

// snapshot deep-copies the mutable state so a rollback can restore it.
func (st *state) snapshot() *state {
	cp := &state{
		contracts: make(map[string]*contractRec, len(st.contracts)),
		byHash:    make(map[string]*contractRec, len(st.byHash)),
		deposits:  make(map[string][]merchantdb.DepositRow, len(st.deposits)),
		refunds:   make(map[string][]merchantdb.RefundRow, len(st.refunds)),
		sessions:  make(map[string]merchantdb.SessionRow, len(st.sessions)),
	}
	reindex := make(map[*contractRec]*contractRec, len(st.contracts))
	for k, v := range st.contracts {
		c := *v
		cp.contracts[k] = &c
		reindex[v] = &c
	}
	for k, v := range st.byHash {
		if c, ok := reindex[v]; ok {
			cp.byHash[k] = c
		}
	}
	for k, v := range st.deposits {
		cp.deposits[k] = slices.Clone(v)
	}
	for k, v := range st.refunds {
		cp.refunds[k] = slices.Clone(v)
	}
	for k, v := range st.sessions {
		cp.sessions[k] = v
	}
	return cp
}

func (s *Store) insertContractTerms(row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	key := orderKey(row.OrderID, row.MerchantPub)
	if _, ok := s.st.contracts[key]; ok {
		return merchantdb.StatusHardError
	}
	rec := &contractRec{row: row}
	rec.row.ContractTerms = json.RawMessage(slices.Clone(row.ContractTerms))
	rec.row.Hash = slices.Clone(row.Hash)
	s.st.contracts[key] = rec
	s.st.byHash[hashKey(row.Hash, row.MerchantPub)] = rec
	return merchantdb.StatusSuccess
}

func (s *Store) findContractTerms(orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	rec, ok := s.st.contracts[orderKey(orderID, merchantPub)]
	if !ok {
		return nil, "", merchantdb.StatusNoResults
	}
	return slices.Clone(rec.row.ContractTerms), rec.row.LastSessionID, merchantdb.StatusSuccess
}

func (s *Store) markContractPaid(hContract, merchantPub []byte) merchantdb.QueryStatus {
	rec, ok := s.st.byHash[hashKey(hContract, merchantPub)]
	if !ok {
		return merchantdb.StatusNoResults
	}
	rec.row.Paid = true
	return merchantdb.StatusSuccess
}

func (s *Store) isContractPaid(hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	rec, ok := s.st.byHash[hashKey(hContract, merchantPub)]
	if !ok {
		return false, merchantdb.StatusNoResults
	}
	return rec.row.Paid, merchantdb.StatusSuccess
}

func (s *Store) insertSessionInfo(row merchantdb.SessionRow) merchantdb.QueryStatus {
	s.st.sessions[row.SessionID+"|"+hex.EncodeToString(row.MerchantPub)] = row
	if rec, ok := s.st.contracts[orderKey(row.OrderID, row.MerchantPub)]; ok {
		rec.row.LastSessionID = row.SessionID
	}
	return merchantdb.StatusSuccess
}

func (s *Store) findDepositsByContract(hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	rows := s.st.deposits[hashKey(hContract, merchantPub)]
	if len(rows) == 0 {
		return nil, merchantdb.StatusNoResults
	}
	return slices.Clone(rows), merchantdb.StatusSuccess
}

func (s *Store) storeDeposit(row merchantdb.DepositRow) merchantdb.QueryStatus {
	key := hashKey(row.HContractTerms, row.MerchantPub)
	for _, existing := range s.st.deposits[key] {
		if slices.Equal(existing.CoinPub, row.CoinPub) {
			// duplicate-safe: keep the first record.
			return merchantdb.StatusSuccess
		}
	}
	s.st.deposits[key] = append(s.st.deposits[key], row)
	return merchantdb.StatusSuccess
}

func (s *Store) getRefunds(hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	rows := s.st.refunds[hashKey(hContract, merchantPub)]
	if len(rows) == 0 {
		return nil, merchantdb.StatusNoResults
	}
	return slices.Clone(rows), merchantdb.StatusSuccess
}

func (s *Store) increaseRefund(hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	key := hashKey(hContract, merchantPub)

	deposited := amt.Zero()
	for _, d := range s.st.deposits[key] {
		sum, err := deposited.Add(d.AmountWithFee)
		if err != nil {
			return merchantdb.StatusHardError
		}
		deposited = sum
	}

	refunded := amt.Zero()
	refundedByCoin := make(map[string]amount.Amount)
	var nextID uint64
	for _, r := range s.st.refunds[key] {
		sum, err := refunded.Add(r.RefundAmount)
		if err != nil {
			return merchantdb.StatusHardError
		}
		refunded = sum
		coinKey := string(r.CoinPub)
		prev, ok := refundedByCoin[coinKey]
		if !ok {
			prev = amt.Zero()
		}
		if refundedByCoin[coinKey], err = prev.Add(r.RefundAmount); err != nil {
			return merchantdb.StatusHardError
		}
		if r.RTransactionID >= nextID {
			nextID = r.RTransactionID + 1
		}
	}

	total, err := refunded.Add(amt)
	if err != nil {
		return merchantdb.StatusHardError
	}
	cmp, err := total.Cmp(deposited)
	if err != nil || cmp > 0 {
		// refunds must never exceed what was paid.
		return merchantdb.StatusHardError
	}

	// distribute over coins, capped at each coin's unrefunded remainder.
	remaining := amt
	for _, d := range s.st.deposits[key] {
		if remaining.IsZero() {
			break
		}
		share := d.AmountWithFee
		if prev, ok := refundedByCoin[string(d.CoinPub)]; ok {
			left, res, err := share.Subtract(prev)
			if err != nil {
				return merchantdb.StatusHardError
			}
			if res == amount.SubtractNegative {
				left = share.Zero()
			}
			share = left
		}
		if share.IsZero() {
			continue
		}
		if c, _ := share.Cmp(remaining); c > 0 {
			share = remaining
		}
		s.st.refunds[key] = append(s.st.refunds[key], merchantdb.RefundRow{
			HContractTerms: slices.Clone(hContract),
			CoinPub:        slices.Clone(d.CoinPub),
			RTransactionID: nextID,
			RefundAmount:   share,
			RefundFee:      d.RefundFee,
			Reason:         reason,
		})
		nextID++
		rest, _, err := remaining.Subtract(share)
		if err != nil {
			return merchantdb.StatusHardError
		}
		remaining = rest
	}
	return merchantdb.StatusSuccess
}

// Autocommit operations lock per call.

func (s *Store) InsertContractTerms(_ context.Context, row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertContractTerms(row)
}

func (s *Store) FindContractTerms(_ context.Context, orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findContractTerms(orderID, merchantPub)
}

func (s *Store) MarkContractPaid(_ context.Context, hContract, merchantPub []byte) merchantdb.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markContractPaid(hContract, merchantPub)
}

func (s *Store) InsertSessionInfo(_ context.Context, row merchantdb.SessionRow) merchantdb.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSessionInfo(row)
}

func (s *Store) FindDepositsByContract(_ context.Context, hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findDepositsByContract(hContract, merchantPub)
}

func (s *Store) StoreDeposit(_ context.Context, row merchantdb.DepositRow) merchantdb.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeDeposit(row)
}

func (s *Store) GetRefunds(_ context.Context, hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRefunds(hContract, merchantPub)
}

func (s *Store) IncreaseRefund(_ context.Context, hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increaseRefund(hContract, merchantPub, amt, reason)
}

func (s *Store) IsContractPaid(_ context.Context, hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isContractPaid(hContract, merchantPub)
}

// Begin opens a transaction. The store lock is held until Commit or Rollback.
func (s *Store) Begin(_ context.Context, label string) (merchantdb.Tx, error) {
	s.mu.Lock()
	return &tx{
		store: s,
		label: label,
		undo:  s.st.snapshot(),
	}, nil
}

type tx struct {
	store *Store
	label string
	undo  *state
	done  bool
}

func (t *tx) Commit(context.Context) merchantdb.QueryStatus {
	if t.done {
		return merchantdb.StatusHardError
	}
	t.done = true
	defer t.store.mu.Unlock()
	if t.store.commitConflicts > 0 {
		t.store.commitConflicts--
		t.store.st = t.undo
		return merchantdb.StatusSoftError
	}
	return merchantdb.StatusSuccess
}

func (t *tx) Rollback(context.Context) {
	if t.done {
		return
	}
	t.done = true
	t.store.st = t.undo
	t.store.mu.Unlock()
}

func (t *tx) InsertContractTerms(_ context.Context, row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	return t.store.insertContractTerms(row)
}

func (t *tx) FindContractTerms(_ context.Context, orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	return t.store.findContractTerms(orderID, merchantPub)
}

func (t *tx) MarkContractPaid(_ context.Context, hContract, merchantPub []byte) merchantdb.QueryStatus {
	return t.store.markContractPaid(hContract, merchantPub)
}

func (t *tx) IsContractPaid(_ context.Context, hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	return t.store.isContractPaid(hContract, merchantPub)
}

func (t *tx) InsertSessionInfo(_ context.Context, row merchantdb.SessionRow) merchantdb.QueryStatus {
	return t.store.insertSessionInfo(row)
}

func (t *tx) FindDepositsByContract(_ context.Context, hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	return t.store.findDepositsByContract(hContract, merchantPub)
}

func (t *tx) StoreDeposit(_ context.Context, row merchantdb.DepositRow) merchantdb.QueryStatus {
	return t.store.storeDeposit(row)
}

func (t *tx) GetRefunds(_ context.Context, hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	return t.store.getRefunds(hContract, merchantPub)
}

func (t *tx) IncreaseRefund(_ context.Context, hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	return t.store.increaseRefund(hContract, merchantPub, amt, reason)
}
