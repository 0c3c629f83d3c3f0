package txn

import (
	"context"
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
)

const (
	// DefaultRetryInitial is the first wait after a retryable failure.
	DefaultRetryInitial = 16 * time.Millisecond

	// DefaultRetryMax caps the wait between attempts.
	DefaultRetryMax = 4 * time.Second
)

// RetryPolicy retries work that fails with a retryable error, doubling the
// wait after every attempt up to Max.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: DefaultRetryInitial, Max: DefaultRetryMax}
}

// Do calls fn until it succeeds, fails with an error that is not retryable,
// or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	wait := p.Initial
	if wait <= 0 {
		wait = DefaultRetryInitial
	}
	for {
		err := fn(ctx)
		if err == nil || !txnlog.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}

		if wait *= 2; p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
	}
}

// Run executes fn inside a fresh transaction and commits it. When fn or the
// commit fails with a retryable error the transaction is aborted and the
// whole unit runs again in a new transaction.
func Run(ctx context.Context, p RetryPolicy, tm TransactionManager, ids *IDGenerator, fn func(ctx context.Context, tx *Transaction) error) error {
	return p.Do(ctx, func(ctx context.Context) error {
		tx := NewTransaction(tm, ids)
		if err := fn(ctx, tx); err != nil {
			if tx.State() == StateActive {
				_ = tx.Abort(context.WithoutCancel(ctx))
			}
			return err
		}
		err := tx.Commit(ctx)
		if err != nil && tx.State() == StateActive {
			_ = tx.Abort(context.WithoutCancel(ctx))
		}
		return err
	})
}
