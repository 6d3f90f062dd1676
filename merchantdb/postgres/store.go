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

// Package postgres implements the merchant store on PostgreSQL via pgx.
//
// Transactions run at SERIALIZABLE isolation; serialization failures are
// reported as merchantdb.StatusSoftError so callers can retry.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL-backed merchantdb.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ merchantdb.Store = (*Store)(nil)

// NewStore connects to the database and applies pending migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// querier abstracts pool and transaction access for the shared query code.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify maps a pgx error to the store status vocabulary.
func classify(ctx context.Context, err error) merchantdb.QueryStatus {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return merchantdb.StatusSoftError
		}
	}
	slog.ErrorContext(ctx, "database query failed", "error", err)
	return merchantdb.StatusHardError
}

func insertContractTerms(ctx context.Context, q querier, row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	tag, err := q.Exec(ctx, `
		INSERT INTO contract_terms (order_id, merchant_pub, contract_terms, h_contract_terms, paid, last_session_id)
		VALUES ($1, $2, $3, $4, FALSE, '')
		ON CONFLICT (order_id, merchant_pub) DO NOTHING`,
		row.OrderID, row.MerchantPub, row.ContractTerms, row.Hash)
	if err != nil {
		return classify(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		return merchantdb.StatusHardError
	}
	return merchantdb.StatusSuccess
}

func findContractTerms(ctx context.Context, q querier, orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	var terms json.RawMessage
	var session string
	err := q.QueryRow(ctx, `
		SELECT contract_terms, last_session_id
		FROM contract_terms
		WHERE order_id = $1 AND merchant_pub = $2`,
		orderID, merchantPub).Scan(&terms, &session)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", merchantdb.StatusNoResults
	}
	if err != nil {
		return nil, "", classify(ctx, err)
	}
	return terms, session, merchantdb.StatusSuccess
}

func markContractPaid(ctx context.Context, q querier, hContract, merchantPub []byte) merchantdb.QueryStatus {
	tag, err := q.Exec(ctx, `
		UPDATE contract_terms SET paid = TRUE
		WHERE h_contract_terms = $1 AND merchant_pub = $2`,
		hContract, merchantPub)
	if err != nil {
		return classify(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		return merchantdb.StatusNoResults
	}
	return merchantdb.StatusSuccess
}

func isContractPaid(ctx context.Context, q querier, hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	var paid bool
	err := q.QueryRow(ctx, `
		SELECT paid FROM contract_terms
		WHERE h_contract_terms = $1 AND merchant_pub = $2`,
		hContract, merchantPub).Scan(&paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, merchantdb.StatusNoResults
	}
	if err != nil {
		return false, classify(ctx, err)
	}
	return paid, merchantdb.StatusSuccess
}

func insertSessionInfo(ctx context.Context, q querier, row merchantdb.SessionRow) merchantdb.QueryStatus {
	_, err := q.Exec(ctx, `
		INSERT INTO sessions (session_id, merchant_pub, fulfillment_url, order_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, merchant_pub)
		DO UPDATE SET fulfillment_url = EXCLUDED.fulfillment_url, order_id = EXCLUDED.order_id`,
		row.SessionID, row.MerchantPub, row.FulfillmentURL, row.OrderID)
	if err != nil {
		return classify(ctx, err)
	}

	_, err = q.Exec(ctx, `
		UPDATE contract_terms SET last_session_id = $1
		WHERE order_id = $2 AND merchant_pub = $3`,
		row.SessionID, row.OrderID, row.MerchantPub)
	if err != nil {
		return classify(ctx, err)
	}
	return merchantdb.StatusSuccess
}

func findDepositsByContract(ctx context.Context, q querier, hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	rows, err := q.Query(ctx, `
		SELECT coin_pub, exchange_url, amount_with_fee, deposit_fee, refund_fee, wire_fee, exchange_sig, exchange_proof
		FROM deposits
		WHERE h_contract_terms = $1 AND merchant_pub = $2
		ORDER BY inserted_at`,
		hContract, merchantPub)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	var result []merchantdb.DepositRow
	for rows.Next() {
		row := merchantdb.DepositRow{
			HContractTerms: hContract,
			MerchantPub:    merchantPub,
		}
		var amountWithFee, depositFee, refundFee, wireFee string
		err := rows.Scan(&row.CoinPub, &row.ExchangeURL, &amountWithFee, &depositFee, &refundFee, &wireFee, &row.ExchangeSig, &row.ExchangeProof)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if row.AmountWithFee, err = amount.Parse(amountWithFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		if row.DepositFee, err = amount.Parse(depositFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		if row.RefundFee, err = amount.Parse(refundFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		if row.WireFee, err = amount.Parse(wireFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	if len(result) == 0 {
		return nil, merchantdb.StatusNoResults
	}
	return result, merchantdb.StatusSuccess
}

func storeDeposit(ctx context.Context, q querier, row merchantdb.DepositRow) merchantdb.QueryStatus {
	// ON CONFLICT DO NOTHING keeps the first record: the surrounding flow may
	// legitimately retry after storing some deposits already.
	_, err := q.Exec(ctx, `
		INSERT INTO deposits (h_contract_terms, merchant_pub, coin_pub, exchange_url,
		                      amount_with_fee, deposit_fee, refund_fee, wire_fee,
		                      exchange_sig, exchange_proof)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (h_contract_terms, merchant_pub, coin_pub) DO NOTHING`,
		row.HContractTerms, row.MerchantPub, row.CoinPub, row.ExchangeURL,
		row.AmountWithFee.String(), row.DepositFee.String(), row.RefundFee.String(), row.WireFee.String(),
		row.ExchangeSig, row.ExchangeProof)
	if err != nil {
		return classify(ctx, err)
	}
	return merchantdb.StatusSuccess
}

func getRefunds(ctx context.Context, q querier, hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	rows, err := q.Query(ctx, `
		SELECT coin_pub, rtransaction_id, refund_amount, refund_fee, reason
		FROM refunds
		WHERE h_contract_terms = $1 AND merchant_pub = $2
		ORDER BY rtransaction_id`,
		hContract, merchantPub)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	var result []merchantdb.RefundRow
	for rows.Next() {
		row := merchantdb.RefundRow{HContractTerms: hContract}
		var refundAmount, refundFee string
		var rtid int64
		err := rows.Scan(&row.CoinPub, &rtid, &refundAmount, &refundFee, &row.Reason)
		if err != nil {
			return nil, classify(ctx, err)
		}
		row.RTransactionID = uint64(rtid)
		if row.RefundAmount, err = amount.Parse(refundAmount); err != nil {
			return nil, merchantdb.StatusHardError
		}
		if row.RefundFee, err = amount.Parse(refundFee); err != nil {
			return nil, merchantdb.StatusHardError
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	if len(result) == 0 {
		return nil, merchantdb.StatusNoResults
	}
	return result, merchantdb.StatusSuccess
}

func increaseRefund(ctx context.Context, q querier, hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	deposits, qs := findDepositsByContract(ctx, q, hContract, merchantPub)
	if qs < 0 {
		return qs
	}

	deposited := amt.Zero()
	for _, d := range deposits {
		sum, err := deposited.Add(d.AmountWithFee)
		if err != nil {
			return merchantdb.StatusHardError
		}
		deposited = sum
	}

	refunded := amt.Zero()
	var nextID uint64
	refunds, qs := getRefunds(ctx, q, hContract, merchantPub)
	if qs < 0 {
		return qs
	}
	refundedByCoin := make(map[string]amount.Amount)
	for _, r := range refunds {
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
	for _, d := range deposits {
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
		_, err := q.Exec(ctx, `
			INSERT INTO refunds (h_contract_terms, merchant_pub, coin_pub, rtransaction_id, refund_amount, refund_fee, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			hContract, merchantPub, d.CoinPub, int64(nextID), share.String(), d.RefundFee.String(), reason)
		if err != nil {
			return classify(ctx, err)
		}
		nextID++
		rest, _, err := remaining.Subtract(share)
		if err != nil {
			return merchantdb.StatusHardError
		}
		remaining = rest
	}
	return merchantdb.StatusSuccess
}

func (s *Store) InsertContractTerms(ctx context.Context, row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	return insertContractTerms(ctx, s.pool, row)
}

func (s *Store) FindContractTerms(ctx context.Context, orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	return findContractTerms(ctx, s.pool, orderID, merchantPub)
}

func (s *Store) MarkContractPaid(ctx context.Context, hContract, merchantPub []byte) merchantdb.QueryStatus {
	return markContractPaid(ctx, s.pool, hContract, merchantPub)
}

func (s *Store) IsContractPaid(ctx context.Context, hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	return isContractPaid(ctx, s.pool, hContract, merchantPub)
}

func (s *Store) InsertSessionInfo(ctx context.Context, row merchantdb.SessionRow) merchantdb.QueryStatus {
	return insertSessionInfo(ctx, s.pool, row)
}

func (s *Store) FindDepositsByContract(ctx context.Context, hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	return findDepositsByContract(ctx, s.pool, hContract, merchantPub)
}

func (s *Store) StoreDeposit(ctx context.Context, row merchantdb.DepositRow) merchantdb.QueryStatus {
	return storeDeposit(ctx, s.pool, row)
}

func (s *Store) GetRefunds(ctx context.Context, hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	return getRefunds(ctx, s.pool, hContract, merchantPub)
}

func (s *Store) IncreaseRefund(ctx context.Context, hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	return increaseRefund(ctx, s.pool, hContract, merchantPub, amt, reason)
}

// Begin opens a SERIALIZABLE transaction.
func (s *Store) Begin(ctx context.Context, label string) (merchantdb.Tx, error) {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction %q: %w", label, err)
	}
	return &tx{tx: pgxTx, label: label}, nil
}

type tx struct {
	tx    pgx.Tx
	label string
}

func (t *tx) Commit(ctx context.Context) merchantdb.QueryStatus {
	err := t.tx.Commit(ctx)
	if err == nil {
		return merchantdb.StatusSuccess
	}
	if errors.Is(err, sql.ErrTxDone) {
		return merchantdb.StatusHardError
	}
	return classify(ctx, err)
}

func (t *tx) Rollback(ctx context.Context) {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.ErrorContext(ctx, "failed to rollback transaction", "label", t.label, "error", err)
	}
}

func (t *tx) InsertContractTerms(ctx context.Context, row merchantdb.ContractTermsRow) merchantdb.QueryStatus {
	return insertContractTerms(ctx, t.tx, row)
}

func (t *tx) FindContractTerms(ctx context.Context, orderID string, merchantPub []byte) (json.RawMessage, string, merchantdb.QueryStatus) {
	return findContractTerms(ctx, t.tx, orderID, merchantPub)
}

func (t *tx) MarkContractPaid(ctx context.Context, hContract, merchantPub []byte) merchantdb.QueryStatus {
	return markContractPaid(ctx, t.tx, hContract, merchantPub)
}

func (t *tx) IsContractPaid(ctx context.Context, hContract, merchantPub []byte) (bool, merchantdb.QueryStatus) {
	return isContractPaid(ctx, t.tx, hContract, merchantPub)
}

func (t *tx) InsertSessionInfo(ctx context.Context, row merchantdb.SessionRow) merchantdb.QueryStatus {
	return insertSessionInfo(ctx, t.tx, row)
}

func (t *tx) FindDepositsByContract(ctx context.Context, hContract, merchantPub []byte) ([]merchantdb.DepositRow, merchantdb.QueryStatus) {
	return findDepositsByContract(ctx, t.tx, hContract, merchantPub)
}

func (t *tx) StoreDeposit(ctx context.Context, row merchantdb.DepositRow) merchantdb.QueryStatus {
	return storeDeposit(ctx, t.tx, row)
}

func (t *tx) GetRefunds(ctx context.Context, hContract, merchantPub []byte) ([]merchantdb.RefundRow, merchantdb.QueryStatus) {
	return getRefunds(ctx, t.tx, hContract, merchantPub)
}

func (t *tx) IncreaseRefund(ctx context.Context, hContract, merchantPub []byte, amt amount.Amount, reason string) merchantdb.QueryStatus {
	return increaseRefund(ctx, t.tx, hContract, merchantPub, amt, reason)
}
