package engines

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"simple-stm/pkg/config"
	"simple-stm/pkg/metrics"
	"simple-stm/pkg/txns"
	txnmanager "simple-stm/pkg/txns/manager"
	"simple-stm/pkg/values"
)

// Engine is one STM instance: the objects created through it and the
// transactions started by its manager share one conflict counter and one
// speculative configuration.
type Engine struct {
	Config     *txns.TxnConfig
	TxnManager *txnmanager.TxnManager
	Metrics    *metrics.Metrics
}

// NewEngine validates cfg and builds an engine. Metrics are registered on reg
// when it is not nil.
func NewEngine(cfg *config.Config, reg prometheus.Registerer, permanent ...txns.Listener) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	txnConfig := txns.NewTxnConfig(txns.NewEnv(cfg), cfg, permanent...)
	m := metrics.New(reg, cfg.FamilyName)
	return &Engine{
		Config:     txnConfig,
		TxnManager: txnmanager.NewTxnManager(txnConfig, m),
		Metrics:    m,
	}, nil
}

// NewRef creates a committed reference owned by e.
func NewRef[T comparable](e *Engine, v T) *values.Ref[T] {
	return values.NewRef(e.Config.Env, v)
}

func (e *Engine) NewTxn() *txns.Txn {
	return e.TxnManager.NewTxn()
}

func (e *Engine) NewFatTxn() *txns.Txn {
	return e.TxnManager.NewFatTxn()
}

func (e *Engine) Atomic(ctx context.Context, fn txnmanager.Callable) error {
	return e.TxnManager.Atomic(ctx, fn)
}

func (e *Engine) OrElse(ctx context.Context, tx *txns.Txn, either, orElse txnmanager.Callable) error {
	return e.TxnManager.OrElse(ctx, tx, either, orElse)
}
