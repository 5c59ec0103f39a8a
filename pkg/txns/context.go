package txns

import "context"

type ctxKey struct{}

// WithTxn returns a context carrying tx for nested atomic blocks.
func WithTxn(ctx context.Context, tx *Txn) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the live transaction carried by ctx.
func FromContext(ctx context.Context) (*Txn, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Txn)
	if !ok || tx == nil || !tx.IsAlive() {
		return nil, false
	}
	return tx, true
}
