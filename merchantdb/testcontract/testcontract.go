// Package testcontract exercises the merchantdb.Store contract.
//
// Store implementations run these tests from their own test files by calling
// TestStoreContract with a factory for a fresh, empty store.
package testcontract

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/amount"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
	"github.com/stretchr/testify/require"
)

type SetupFunc func(t *testing.T) merchantdb.Store

func TestStoreContract(t *testing.T, setup SetupFunc) {
	t.Run("ContractTerms", func(t *testing.T) {
		runContractTermsTests(t, setup)
	})

	t.Run("Deposits", func(t *testing.T) {
		runDepositTests(t, setup)
	})

	t.Run("Refunds", func(t *testing.T) {
		runRefundTests(t, setup)
	})

	t.Run("Transactions", func(t *testing.T) {
		runTransactionTests(t, setup)
	})
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newContract(t *testing.T, store merchantdb.Store, orderID string) (hContract, merchantPub []byte) {
	t.Helper()
	hContract = randBytes(t, 64)
	merchantPub = randBytes(t, 32)
	qs := store.InsertContractTerms(t.Context(), merchantdb.ContractTermsRow{
		OrderID:       orderID,
		MerchantPub:   merchantPub,
		ContractTerms: json.RawMessage(`{"amount":"EUR:5","order_id":"` + orderID + `"}`),
		Hash:          hContract,
	})
	require.Equal(t, merchantdb.StatusSuccess, qs)
	return hContract, merchantPub
}

func newDeposit(t *testing.T, hContract, merchantPub []byte, contribution string) merchantdb.DepositRow {
	t.Helper()
	return merchantdb.DepositRow{
		HContractTerms: hContract,
		MerchantPub:    merchantPub,
		CoinPub:        randBytes(t, 32),
		ExchangeURL:    "https://exchange.test.taler.net/",
		AmountWithFee:  amount.MustParse(contribution),
		DepositFee:     amount.MustParse("EUR:0.01"),
		RefundFee:      amount.MustParse("EUR:0.01"),
		WireFee:        amount.MustParse("EUR:0.05"),
		ExchangeSig:    randBytes(t, 64),
		ExchangeProof:  json.RawMessage(`{"status":"DEPOSIT_OK"}`),
	}
}

func runContractTermsTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, roundtrip with session id", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-1")

		terms, session, qs := store.FindContractTerms(t.Context(), "order-1", merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.Empty(t, session)
		require.JSONEq(t, `{"amount":"EUR:5","order_id":"order-1"}`, string(terms))

		qs = store.InsertSessionInfo(t.Context(), merchantdb.SessionRow{
			SessionID:      "sess-1",
			FulfillmentURL: "https://shop.example.com/article",
			OrderID:        "order-1",
			MerchantPub:    merchantPub,
		})
		require.Equal(t, merchantdb.StatusSuccess, qs)

		_, session, qs = store.FindContractTerms(t.Context(), "order-1", merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.Equal(t, "sess-1", session)

		_ = hContract
	})

	t.Run("ok, unknown order is no results", func(t *testing.T) {
		store := setup(t)
		_, _, qs := store.FindContractTerms(t.Context(), "no-such-order", randBytes(t, 32))
		require.Equal(t, merchantdb.StatusNoResults, qs)
	})

	t.Run("fail, duplicate order id is a hard error", func(t *testing.T) {
		store := setup(t)
		_, merchantPub := newContract(t, store, "order-dup")
		qs := store.InsertContractTerms(t.Context(), merchantdb.ContractTermsRow{
			OrderID:       "order-dup",
			MerchantPub:   merchantPub,
			ContractTerms: json.RawMessage(`{}`),
			Hash:          randBytes(t, 64),
		})
		require.Equal(t, merchantdb.StatusHardError, qs)
	})

	t.Run("ok, mark paid is idempotent", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-2")

		paid, qs := store.IsContractPaid(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.False(t, paid)

		require.Equal(t, merchantdb.StatusSuccess, store.MarkContractPaid(t.Context(), hContract, merchantPub))
		require.Equal(t, merchantdb.StatusSuccess, store.MarkContractPaid(t.Context(), hContract, merchantPub))

		paid, qs = store.IsContractPaid(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.True(t, paid)
	})

	t.Run("ok, unknown contract hash is no results", func(t *testing.T) {
		store := setup(t)
		qs := store.MarkContractPaid(t.Context(), randBytes(t, 64), randBytes(t, 32))
		require.Equal(t, merchantdb.StatusNoResults, qs)
	})
}

func runDepositTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, stored deposits come back in order", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-3")

		d1 := newDeposit(t, hContract, merchantPub, "EUR:3")
		d2 := newDeposit(t, hContract, merchantPub, "EUR:2.01")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), d1))
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), d2))

		rows, qs := store.FindDepositsByContract(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.Len(t, rows, 2)
		require.Equal(t, d1.CoinPub, rows[0].CoinPub)
		require.Equal(t, d2.CoinPub, rows[1].CoinPub)
	})

	t.Run("ok, duplicate insert is safe and keeps the first record", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-4")

		row := newDeposit(t, hContract, merchantPub, "EUR:5")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), row))

		dup := row
		dup.AmountWithFee = amount.MustParse("EUR:99")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), dup))

		rows, qs := store.FindDepositsByContract(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.Len(t, rows, 1)
		require.Equal(t, amount.MustParse("EUR:5"), rows[0].AmountWithFee)
	})

	t.Run("ok, empty contract is no results", func(t *testing.T) {
		store := setup(t)
		rows, qs := store.FindDepositsByContract(t.Context(), randBytes(t, 64), randBytes(t, 32))
		require.Equal(t, merchantdb.StatusNoResults, qs)
		require.Empty(t, rows)
	})
}

func runRefundTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, refund distributed over coins", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-5")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), newDeposit(t, hContract, merchantPub, "EUR:3")))
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), newDeposit(t, hContract, merchantPub, "EUR:2")))

		qs := store.IncreaseRefund(t.Context(), hContract, merchantPub, amount.MustParse("EUR:4"), "goods returned")
		require.Equal(t, merchantdb.StatusSuccess, qs)

		refunds, qs := store.GetRefunds(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)

		total := amount.MustParse("EUR:0")
		for _, r := range refunds {
			var err error
			total, err = total.Add(r.RefundAmount)
			require.NoError(t, err)
		}
		require.Equal(t, amount.MustParse("EUR:4"), total)
	})

	t.Run("ok, successive refunds never exceed a coin's deposit", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-5b")
		d1 := newDeposit(t, hContract, merchantPub, "EUR:3")
		d2 := newDeposit(t, hContract, merchantPub, "EUR:2")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), d1))
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), d2))

		require.Equal(t, merchantdb.StatusSuccess,
			store.IncreaseRefund(t.Context(), hContract, merchantPub, amount.MustParse("EUR:2"), "first"))
		require.Equal(t, merchantdb.StatusSuccess,
			store.IncreaseRefund(t.Context(), hContract, merchantPub, amount.MustParse("EUR:2"), "second"))

		refunds, qs := store.GetRefunds(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)

		byCoin := map[string]amount.Amount{
			string(d1.CoinPub): amount.MustParse("EUR:0"),
			string(d2.CoinPub): amount.MustParse("EUR:0"),
		}
		for _, r := range refunds {
			var err error
			byCoin[string(r.CoinPub)], err = byCoin[string(r.CoinPub)].Add(r.RefundAmount)
			require.NoError(t, err)
		}
		// 2 then 2 must land as 3 on the first coin and 1 on the second,
		// never 4 on the first.
		require.Equal(t, amount.MustParse("EUR:3"), byCoin[string(d1.CoinPub)])
		require.Equal(t, amount.MustParse("EUR:1"), byCoin[string(d2.CoinPub)])
	})

	t.Run("fail, refund beyond deposits is rejected not clamped", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-6")
		require.Equal(t, merchantdb.StatusSuccess, store.StoreDeposit(t.Context(), newDeposit(t, hContract, merchantPub, "EUR:3")))

		qs := store.IncreaseRefund(t.Context(), hContract, merchantPub, amount.MustParse("EUR:2"), "partial")
		require.Equal(t, merchantdb.StatusSuccess, qs)

		qs = store.IncreaseRefund(t.Context(), hContract, merchantPub, amount.MustParse("EUR:1.50"), "too much")
		require.Equal(t, merchantdb.StatusHardError, qs)

		refunds, qs := store.GetRefunds(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		total := amount.MustParse("EUR:0")
		for _, r := range refunds {
			var err error
			total, err = total.Add(r.RefundAmount)
			require.NoError(t, err)
		}
		require.Equal(t, amount.MustParse("EUR:2"), total)
	})

	t.Run("ok, no refunds is no results", func(t *testing.T) {
		store := setup(t)
		refunds, qs := store.GetRefunds(t.Context(), randBytes(t, 64), randBytes(t, 32))
		require.Equal(t, merchantdb.StatusNoResults, qs)
		require.Empty(t, refunds)
	})
}

func runTransactionTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, committed writes are visible", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-7")

		tx, err := store.Begin(t.Context(), "test-commit")
		require.NoError(t, err)
		require.Equal(t, merchantdb.StatusSuccess, tx.MarkContractPaid(t.Context(), hContract, merchantPub))
		require.Equal(t, merchantdb.StatusSuccess, tx.Commit(t.Context()))

		paid, qs := store.IsContractPaid(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.True(t, paid)
	})

	t.Run("ok, rolled back writes disappear", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-8")

		tx, err := store.Begin(t.Context(), "test-rollback")
		require.NoError(t, err)
		require.Equal(t, merchantdb.StatusSuccess, tx.MarkContractPaid(t.Context(), hContract, merchantPub))
		require.Equal(t, merchantdb.StatusSuccess, tx.StoreDeposit(t.Context(), newDeposit(t, hContract, merchantPub, "EUR:1")))
		tx.Rollback(t.Context())

		paid, qs := store.IsContractPaid(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusSuccess, qs)
		require.False(t, paid)

		rows, qs := store.FindDepositsByContract(t.Context(), hContract, merchantPub)
		require.Equal(t, merchantdb.StatusNoResults, qs)
		require.Empty(t, rows)
	})

	t.Run("ok, rollback after commit is a no-op", func(t *testing.T) {
		store := setup(t)
		hContract, merchantPub := newContract(t, store, "order-9")

		tx, err := store.Begin(t.Context(), "test-deferred-rollback")
		require.NoError(t, err)
		require.Equal(t, merchantdb.StatusSuccess, tx.MarkContractPaid(t.Context(), hContract, merchantPub))
		require.Equal(t, merchantdb.StatusSuccess, tx.Commit(t.Context()))
		tx.Rollback(t.Context())

		paid, _ := store.IsContractPaid(t.Context(), hContract, merchantPub)
		require.True(t, paid)
	})
}
