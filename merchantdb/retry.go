package merchantdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultMaxRetries bounds how often a serialized transaction is retried
// before giving up with ErrRetriesExhausted.
const DefaultMaxRetries = 5

var (
	// ErrRetriesExhausted indicates a transaction kept hitting serialization
	// conflicts until the retry bound was reached.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
	// ErrHardFailure indicates a transaction failed with a non-retryable error.
	ErrHardFailure = errors.New("hard database failure")
)

// WithRetry runs body inside a transaction, owning the begin/commit/rollback
// discipline. On a soft error (from body or from commit) the transaction is
// rolled back and body is run again from scratch, up to maxRetries attempts.
//
// body must derive all of its state from the transaction itself: nothing
// accumulated in one attempt may be carried into the next.
//
// A body returning StatusNoResults commits like StatusSuccess; the qualifier
// is passed through to the caller.
func WithRetry(ctx context.Context, store Store, label string, maxRetries int, body func(tx Queries) QueryStatus) (QueryStatus, error) {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return StatusHardError, err
		}

		tx, err := store.Begin(ctx, label)
		if err != nil {
			return StatusHardError, fmt.Errorf("failed to begin transaction %q: %w", label, err)
		}

		qs := body(tx)
		switch qs {
		case StatusHardError:
			tx.Rollback(ctx)
			return qs, fmt.Errorf("transaction %q: %w", label, ErrHardFailure)
		case StatusSoftError:
			tx.Rollback(ctx)
			slog.WarnContext(ctx, "retrying serialized transaction", "label", label, "attempt", attempt)
			continue
		}

		switch tx.Commit(ctx) {
		case StatusSoftError:
			slog.WarnContext(ctx, "retrying serialized transaction after commit conflict", "label", label, "attempt", attempt)
			continue
		case StatusHardError:
			return StatusHardError, fmt.Errorf("failed to commit transaction %q: %w", label, ErrHardFailure)
		}

		return qs, nil
	}

	return StatusSoftError, fmt.Errorf("transaction %q: %w", label, ErrRetriesExhausted)
}
