package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. ctx carries tx, so repository calls made with it join.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	budget   time.Duration
	readOnly bool
}

// WithTxAttempts caps how often a contended transaction is retried. Defaults to 5.
func WithTxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries. Defaults to 15s. A caller
// deadline that is already sooner is left alone.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.budget = d
		}
	}
}

// ReadOnlyTx marks the transaction read only, which avoids write locks on the documents read.
func ReadOnlyTx() TxOption {
	return func(s *txSettings) { s.readOnly = true }
}

func (s txSettings) clientOptions() []firestore.TransactionOption {
	out := []firestore.TransactionOption{firestore.MaxAttempts(s.attempts)}
	if s.readOnly {
		out = append(out, firestore.ReadOnly)
	}
	return out
}

type txKey struct{}

// WithTransaction attaches tx to ctx.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext returns the transaction ctx is running in.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, tx != nil
}

// RunTransaction runs fn in a transaction on client. When ctx already carries a transaction fn
// joins it instead of opening a nested one, which Firestore does not support.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	if client == nil {
		return Unavailable("transaction", errors.New("firestore: client is nil"))
	}

	settings := txSettings{attempts: 5, budget: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > settings.budget {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.budget)
		defer cancel()
	}

	err := client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(WithTransaction(txCtx, tx), tx)
	}, settings.clientOptions()...)
	return WrapError("transaction", err)
}

// UnitOfWork adapts the provider to repositories.UnitOfWork for services that group writes.
type UnitOfWork struct {
	provider *Provider
	opts     []TxOption
}

func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{provider: provider, opts: opts}
}

// RunInTx runs fn in a transaction, joining one already on ctx. Without a provider fn runs
// directly, which unit tests rely on.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u == nil || u.provider == nil {
		return fn(ctx)
	}
	return u.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	}, u.opts...)
}
