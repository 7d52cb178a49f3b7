package txn

import "context"

type transactionContextKey struct{}

// Begin starts a new transaction and returns a context carrying it
func Begin(ctx context.Context) (context.Context, *Transaction) {
	t := newTransaction()
	return context.WithValue(ctx, transactionContextKey{}, t), t
}

// FromContext returns the active transaction carried by ctx, if any
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(transactionContextKey{}).(*Transaction)
	if !ok || t == nil || !t.IsActive() {
		return nil, false
	}
	return t, true
}

func IsActive(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}
