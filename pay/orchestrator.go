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

// Package pay drives the merchant's payment flow: it validates payment
// requests against stored contract terms, deposits the offered coins at
// their exchanges, decides payment sufficiency under the merchant's fee
// policy and finalizes the contract transactionally.
package pay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/otel/otelutil"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// abortReason is the fixed justification recorded for abort refunds.
const abortReason = "incomplete payment aborted"

// WireMethod is one way the merchant can receive wire transfers. Contracts
// reference it by the hash of its details.
type WireMethod struct {
	Method  string
	Details json.RawMessage
	HWire   []byte
}

// NewWireMethod hashes the wire details the same way contracts do.
func NewWireMethod(method string, details json.RawMessage) (WireMethod, error) {
	h, err := taler.HashContractTerms(details)
	if err != nil {
		return WireMethod{}, fmt.Errorf("failed to hash wire details: %w", err)
	}
	return WireMethod{Method: method, Details: details, HWire: h}, nil
}

// Config configures the payment orchestrator.
type Config struct {
	MerchantPub  ed25519.PublicKey
	MerchantPriv ed25519.PrivateKey
	WireMethods  []WireMethod
	// MaxRetries bounds the finalize transaction's serialization retries.
	MaxRetries int
	// ExchangeTimeout caps the whole exchange-interaction phase of one
	// request. On expiry all outstanding deposits are canceled.
	ExchangeTimeout time.Duration
}

// Orchestrator runs the payment state machine over the store and the
// exchange client.
type Orchestrator struct {
	cfg        Config
	store      merchantdb.Store
	exchanges  *exchange.Client
	registry   *Registry
	wireByHash map[string]WireMethod
}

func NewOrchestrator(cfg Config, store merchantdb.Store, exchanges *exchange.Client, registry *Registry) (*Orchestrator, error) {
	if len(cfg.MerchantPub) != ed25519.PublicKeySize || len(cfg.MerchantPriv) != ed25519.PrivateKeySize {
		return nil, errors.New("merchant key pair missing")
	}
	if len(cfg.WireMethods) == 0 {
		return nil, errors.New("no wire methods configured")
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 30 * time.Second
	}

	byHash := make(map[string]WireMethod, len(cfg.WireMethods))
	for _, wm := range cfg.WireMethods {
		byHash[hex.EncodeToString(wm.HWire)] = wm
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		exchanges:  exchanges,
		registry:   registry,
		wireByHash: byHash,
	}, nil
}

// RefundPermission is one merchant-signed refund a wallet can take to the
// coin's exchange.
type RefundPermission struct {
	CoinPub        string `json:"coin_pub"`
	RTransactionID uint64 `json:"rtransaction_id"`
	RefundAmount   string `json:"refund_amount"`
	RefundFee      string `json:"refund_fee"`
	MerchantSig    string `json:"merchant_sig"`
}

// Response is a successful /pay result.
type Response struct {
	ContractTerms     json.RawMessage    `json:"contract_terms,omitempty"`
	Sig               string             `json:"sig,omitempty"`
	HContractTerms    string             `json:"h_contract_terms"`
	RefundPermissions []RefundPermission `json:"refund_permissions"`
}

// Pay runs the whole payment pipeline for one request body.
//
// Replays are idempotent: a request whose coins are all already recorded
// re-evaluates sufficiency from the stored rows and returns the same
// success response without contacting any exchange.
func (o *Orchestrator) Pay(ctx context.Context, body []byte) (*Response, *Error) {
	ctx, span := otelutil.Tracer.Start(ctx, "pay.Orchestrator.Pay")
	defer span.End()

	ctx, release := o.registry.enter(ctx)
	defer release()

	req, perr := ParseRequest(body)
	if perr != nil {
		return nil, perr
	}

	if !req.MerchantPub.Equal(o.cfg.MerchantPub) {
		return nil, newError(CodeWrongInstance, http.StatusForbidden,
			"merchant_pub does not match this instance")
	}

	pc, perr := o.loadContract(ctx, req)
	if perr != nil {
		return nil, perr
	}

	if req.Mode == ModeAbortRefund {
		return o.abortRefund(ctx, pc)
	}

	// Find out which coins are already recorded.
	var d *derived
	_, err := merchantdb.WithRetry(ctx, o.store, "pay dedup", o.cfg.MaxRetries, func(tx merchantdb.Queries) merchantdb.QueryStatus {
		var qs merchantdb.QueryStatus
		d, qs = pc.deriveState(ctx, tx)
		if qs < 0 {
			return qs
		}
		return merchantdb.StatusSuccess
	})
	if err != nil {
		return nil, dbError(ctx, err)
	}

	// Deposit the unrecorded coins, exchange by exchange.
	if d.pending > 0 {
		if perr := o.depositPending(ctx, pc); perr != nil {
			return nil, perr
		}
	}

	// Finalize. The body re-derives everything from persisted rows,
	// so a serialization conflict restarts cleanly from scratch.
	var insufficiency *Error
	_, err = merchantdb.WithRetry(ctx, o.store, "pay finalize", o.cfg.MaxRetries, func(tx merchantdb.Queries) merchantdb.QueryStatus {
		insufficiency = nil

		d, qs := pc.deriveState(ctx, tx)
		if qs < 0 {
			return qs
		}
		if d.pending > 0 {
			// Every coin was deposited before finalize; a missing row here
			// means the store lost an insert.
			return merchantdb.StatusHardError
		}

		if perr := pc.checkSufficiency(d); perr != nil {
			insufficiency = perr
			return merchantdb.StatusNoResults
		}

		if qs := tx.MarkContractPaid(ctx, pc.hContract, pc.req.MerchantPub); qs < 0 {
			return qs
		}
		if pc.req.SessionID != "" {
			qs := tx.InsertSessionInfo(ctx, merchantdb.SessionRow{
				SessionID:      pc.req.SessionID,
				FulfillmentURL: pc.terms.FulfillmentURL,
				OrderID:        pc.req.OrderID,
				MerchantPub:    pc.req.MerchantPub,
			})
			if qs < 0 {
				return qs
			}
		}
		return merchantdb.StatusSuccess
	})
	if err != nil {
		return nil, dbError(ctx, err)
	}
	if insufficiency != nil {
		return nil, insufficiency
	}

	o.registry.NotifyPaid(pc.hContract)

	return o.successResponse(ctx, pc)
}

// loadContract fetches and validates the order's contract terms.
func (o *Orchestrator) loadContract(ctx context.Context, req *Request) (*payContext, *Error) {
	raw, _, qs := o.store.FindContractTerms(ctx, req.OrderID, req.MerchantPub)
	switch {
	case qs == merchantdb.StatusNoResults:
		return nil, newError(CodeOrderUnknown, http.StatusNotFound, "order unknown")
	case qs < 0:
		return nil, newError(CodeDatabaseHardError, http.StatusInternalServerError,
			"failed to look up order")
	}

	terms, err := parseContractTerms(raw)
	if err != nil {
		// Stored contract terms are validated at order creation; failing to
		// parse them now is corrupted stored data.
		return nil, wrapError(CodeDatabaseHardError, http.StatusInternalServerError,
			"stored contract terms unreadable", err)
	}

	hContract, err := taler.HashContractTerms(raw)
	if err != nil {
		return nil, internalError("failed to hash contract terms", err)
	}

	if perr := terms.validate(time.Now()); perr != nil {
		return nil, perr
	}

	wire, ok := o.wireByHash[hex.EncodeToString(terms.HWire)]
	if !ok {
		return nil, newError(CodeWireMethodUnsupported, http.StatusBadRequest,
			"contract wire method is not configured for this merchant")
	}

	coins := make([]*coinState, len(req.Coins))
	for i, c := range req.Coins {
		// Reject foreign-currency coins before any money moves at an
		// exchange.
		if !c.Contribution.SameCurrency(terms.Amount) {
			perr := newError(CodeMalformedRequest, http.StatusBadRequest,
				fmt.Sprintf("coin %d: currency differs from the contract", i))
			perr.CoinIndex = i
			return nil, perr
		}
		coins[i] = &coinState{idx: i, coin: c}
	}

	return &payContext{
		req:       req,
		rawTerms:  raw,
		terms:     terms,
		hContract: hContract,
		wire:      wire,
		coins:     coins,
	}, nil
}

// depositPending deposits every coin not yet recorded. Exchanges are
// drained strictly one at a time; within one exchange all coins run
// concurrently.
func (o *Orchestrator) depositPending(ctx context.Context, pc *payContext) *Error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ExchangeTimeout)
	defer cancel()

	groups := make(map[string][]*coinState)
	for _, cs := range pc.coins {
		if !cs.foundInDB {
			groups[cs.coin.ExchangeURL] = append(groups[cs.coin.ExchangeURL], cs)
		}
	}
	urls := make([]string, 0, len(groups))
	for url := range groups {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		if perr := o.depositAtExchange(ctx, pc, url, groups[url]); perr != nil {
			return perr
		}
	}
	return nil
}

func (o *Orchestrator) depositAtExchange(ctx context.Context, pc *payContext, url string, coins []*coinState) *Error {
	ctx, span := otelutil.Tracer.Start(ctx, "pay.Orchestrator.depositAtExchange")
	defer span.End()

	h, err := o.exchanges.FindExchange(ctx, url)
	if err != nil {
		return classifyExchangeError(-1, err)
	}
	wireFee, err := h.WireFee(pc.wire.Method)
	if err != nil {
		return &Error{
			Code:       CodeExchangeFailure,
			HTTPStatus: http.StatusFailedDependency,
			Hint:       "exchange does not support the contract's wire method",
			CoinIndex:  -1,
			Err:        err,
		}
	}

	type outcome struct {
		cs  *coinState
		res *exchange.DepositResult
	}

	// One failed coin cancels its siblings; nothing gets persisted for this
	// exchange unless every coin made it.
	depositCtx, cancelDeposits := context.WithCancelCause(ctx)
	defer cancelDeposits(nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr *Error
		done     []outcome
	)

	now := time.Now()
	for _, cs := range coins {
		wg.Add(1)
		go func(cs *coinState) {
			defer wg.Done()

			res, err := o.exchanges.Deposit(depositCtx, h, exchange.DepositRequest{
				HContract:      pc.hContract,
				HWire:          pc.terms.HWire,
				CoinPub:        cs.coin.CoinPub,
				DenomPub:       cs.coin.DenomPub,
				UBSig:          cs.coin.UBSig,
				CoinSig:        cs.coin.CoinSig,
				Contribution:   cs.coin.Contribution,
				MerchantPub:    pc.req.MerchantPub,
				WireDetails:    pc.wire.Details,
				Timestamp:      now,
				RefundDeadline: pc.terms.RefundDeadline,
				WireDeadline:   pc.terms.WireDeadline,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = classifyExchangeError(cs.idx, err)
					cancelDeposits(firstErr)
				}
				return
			}
			done = append(done, outcome{cs: cs, res: res})
		}(cs)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	for _, oc := range done {
		oc.cs.depositFee = oc.res.DepositFee
		oc.cs.refundFee = oc.res.RefundFee
		oc.cs.wireFee = wireFee

		row := merchantdb.DepositRow{
			HContractTerms: pc.hContract,
			MerchantPub:    pc.req.MerchantPub,
			CoinPub:        oc.cs.coin.CoinPub,
			ExchangeURL:    url,
			AmountWithFee:  oc.cs.coin.Contribution,
			DepositFee:     oc.res.DepositFee,
			RefundFee:      oc.res.RefundFee,
			WireFee:        wireFee,
			ExchangeSig:    oc.res.ExchangeSig,
			ExchangeProof:  oc.res.ExchangeProof,
		}
		// Each record is its own atomic unit, duplicate-safe on replay.
		_, err := merchantdb.WithRetry(ctx, o.store, "store deposit", o.cfg.MaxRetries, func(tx merchantdb.Queries) merchantdb.QueryStatus {
			return tx.StoreDeposit(ctx, row)
		})
		if err != nil {
			return dbError(ctx, err)
		}
	}
	return nil
}

// abortRefund handles mode=abort-refund: refund everything already
// paid on a not-yet-completed payment and hand out refund permissions.
func (o *Orchestrator) abortRefund(ctx context.Context, pc *payContext) (*Response, *Error) {
	ctx, span := otelutil.Tracer.Start(ctx, "pay.Orchestrator.abortRefund")
	defer span.End()

	var (
		alreadyPaid bool
		deposits    []merchantdb.DepositRow
	)
	_, err := merchantdb.WithRetry(ctx, o.store, "abort refund", o.cfg.MaxRetries, func(tx merchantdb.Queries) merchantdb.QueryStatus {
		alreadyPaid = false
		deposits = nil

		paid, qs := tx.IsContractPaid(ctx, pc.hContract, pc.req.MerchantPub)
		if qs < 0 {
			return qs
		}
		if paid {
			alreadyPaid = true
			return merchantdb.StatusNoResults
		}

		d, qs := pc.deriveState(ctx, tx)
		if qs < 0 {
			return qs
		}

		toRefund, serr := subtractOrZero(d.totalPaid, d.totalRefunded)
		if serr != nil {
			return merchantdb.StatusHardError
		}
		if !toRefund.IsZero() {
			if qs := tx.IncreaseRefund(ctx, pc.hContract, pc.req.MerchantPub, toRefund, abortReason); qs < 0 {
				return qs
			}
		}

		deposits, qs = tx.FindDepositsByContract(ctx, pc.hContract, pc.req.MerchantPub)
		if qs < 0 {
			return qs
		}
		return merchantdb.StatusSuccess
	})
	if err != nil {
		return nil, dbError(ctx, err)
	}
	if alreadyPaid {
		return nil, newError(CodeAbortAlreadyPaid, http.StatusConflict,
			"refusing to abort a completed payment")
	}

	perms := make([]RefundPermission, 0, len(deposits))
	for _, row := range deposits {
		perms = append(perms, o.signRefund(row.CoinPub, 0, row.AmountWithFee.String(), row.RefundFee.String(), pc.hContract))
	}

	return &Response{
		HContractTerms:    taler.EncodeBinary(pc.hContract),
		RefundPermissions: perms,
	}, nil
}

// successResponse builds the signed success payload, including
// permissions for any refunds granted earlier against this contract.
func (o *Orchestrator) successResponse(ctx context.Context, pc *payContext) (*Response, *Error) {
	refunds, qs := o.store.GetRefunds(ctx, pc.hContract, pc.req.MerchantPub)
	if qs < 0 {
		return nil, newError(CodeDatabaseHardError, http.StatusInternalServerError,
			"failed to load refunds")
	}

	perms := make([]RefundPermission, 0, len(refunds))
	for _, r := range refunds {
		perms = append(perms, o.signRefund(r.CoinPub, r.RTransactionID,
			r.RefundAmount.String(), r.RefundFee.String(), pc.hContract))
	}

	sig := taler.SignPurpose(o.cfg.MerchantPriv, taler.PurposeMerchantPaymentOK,
		taler.PaymentOKBody(pc.hContract))

	return &Response{
		ContractTerms:     pc.rawTerms,
		Sig:               taler.EncodeBinary(sig),
		HContractTerms:    taler.EncodeBinary(pc.hContract),
		RefundPermissions: perms,
	}, nil
}

func (o *Orchestrator) signRefund(coinPub []byte, rtid uint64, refundAmount, refundFee string, hContract []byte) RefundPermission {
	body := taler.RefundPermissionBody(hContract, coinPub, rtid, refundAmount, refundFee)
	sig := taler.SignPurpose(o.cfg.MerchantPriv, taler.PurposeMerchantRefund, body)
	return RefundPermission{
		CoinPub:        taler.EncodeBinary(coinPub),
		RTransactionID: rtid,
		RefundAmount:   refundAmount,
		RefundFee:      refundFee,
		MerchantSig:    taler.EncodeBinary(sig),
	}
}

func classifyExchangeError(coinIdx int, err error) *Error {
	var verr exchange.VerificationError
	if errors.As(err, &verr) {
		return &Error{
			Code:       CodeCoinSignatureInvalid,
			HTTPStatus: http.StatusUnauthorized,
			Hint:       "coin signature verification failed",
			CoinIndex:  coinIdx,
			Err:        err,
		}
	}
	if errors.Is(err, exchange.ErrUnknownDenomination) {
		return &Error{
			Code:       CodeDenominationUnknown,
			HTTPStatus: http.StatusFailedDependency,
			Hint:       "coin denomination not offered by its exchange",
			CoinIndex:  coinIdx,
			Err:        err,
		}
	}
	if errors.Is(err, exchange.ErrUntrustedExchange) {
		return &Error{
			Code:       CodeExchangeUntrusted,
			HTTPStatus: http.StatusFailedDependency,
			Hint:       "exchange is not trusted by this merchant",
			CoinIndex:  coinIdx,
			Err:        err,
		}
	}
	var xerr exchange.ExchangeError
	if errors.As(err, &xerr) {
		return &Error{
			Code:           CodeExchangeFailure,
			HTTPStatus:     http.StatusFailedDependency,
			Hint:           "exchange rejected the deposit",
			CoinIndex:      coinIdx,
			ExchangeStatus: xerr.StatusCode,
			Err:            err,
		}
	}
	// Timeouts, cancellation and transport failures all end up here.
	return &Error{
		Code:       CodeExchangeUnreachable,
		HTTPStatus: http.StatusServiceUnavailable,
		Hint:       "exchange unreachable",
		CoinIndex:  coinIdx,
		Err:        err,
	}
}

func dbError(ctx context.Context, err error) *Error {
	if errors.Is(err, ErrShuttingDown) || errors.Is(context.Cause(ctx), ErrShuttingDown) {
		return wrapError(CodeInternalError, http.StatusServiceUnavailable,
			"merchant is shutting down", err)
	}
	if errors.Is(err, merchantdb.ErrRetriesExhausted) {
		return wrapError(CodeDatabaseRetryBound, http.StatusInternalServerError,
			"database kept conflicting, giving up", err)
	}
	return wrapError(CodeDatabaseHardError, http.StatusInternalServerError,
		"database failure", err)
}
