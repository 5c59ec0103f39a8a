package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"simple-stm/pkg/config"
	"simple-stm/pkg/logger"
	"simple-stm/pkg/metrics"
	"simple-stm/pkg/orec"
	"simple-stm/pkg/txns"
)

// Callable is the body of an atomic block. It may run several times.
type Callable func(ctx context.Context, tx *txns.Txn) error

// TxnManager creates transactions from one TxnConfig and runs atomic blocks.
type TxnManager struct {
	TxnCounter atomic.Uint64
	Config     *txns.TxnConfig
	Metrics    *metrics.Metrics
}

func NewTxnManager(cfg *txns.TxnConfig, m *metrics.Metrics) *TxnManager {
	return &TxnManager{
		Config:  cfg,
		Metrics: m,
	}
}

// NewTxn picks the cheapest transaction the speculative cell still allows.
func (manager *TxnManager) NewTxn() *txns.Txn {
	cfg := manager.Config
	id := manager.TxnCounter.Inc()
	if !cfg.SpeculativeConfigEnabled {
		return txns.New(id, cfg, txns.ShapeGrowable, true)
	}

	spec := cfg.Speculative.Get()
	fat := spec.IsFat() ||
		len(cfg.PermanentListeners) > 0 ||
		cfg.ReadLockMode != orec.LockNone ||
		cfg.WriteLockMode != orec.LockNone

	switch {
	case spec.MinimalLength <= 1:
		return txns.New(id, cfg, txns.ShapeMono, fat)
	case spec.MinimalLength <= cfg.MaxFixedLengthTxnSize:
		return txns.New(id, cfg, txns.ShapeFixed, fat)
	default:
		return txns.New(id, cfg, txns.ShapeGrowable, true)
	}
}

// NewFatTxn returns a transaction that never escalates, for callers that cannot
// re-run their work.
func (manager *TxnManager) NewFatTxn() *txns.Txn {
	return txns.New(manager.TxnCounter.Inc(), manager.Config, txns.ShapeGrowable, true)
}

// Upgrade replaces tx after a speculative failure.
func (manager *TxnManager) Upgrade(tx *txns.Txn) *txns.Txn {
	if tx.IsAlive() {
		tx.Abort()
	}
	next := manager.NewTxn()
	next.ContinueFrom(tx)
	logger.Inst.Debugw("speculative escalation",
		"from", tx.Shape().String(), "fromFat", tx.IsFat(),
		"to", next.Shape().String(), "toFat", next.IsFat(),
		"attempt", tx.Attempt())
	manager.Metrics.Escalation(tx.Shape().String())
	return next
}

// Atomic runs fn in a transaction until it commits. Conflicts and escalations
// re-run fn; a retry signal blocks until something fn read changes. A
// transaction already carried by ctx is joined according to the propagation.
func (manager *TxnManager) Atomic(ctx context.Context, fn Callable) error {
	if ctx == nil {
		ctx = context.Background()
	}
	outer, nested := txns.FromContext(ctx)

	switch manager.Config.Propagation {
	case config.Requires:
		if nested {
			return fn(ctx, outer)
		}
	case config.Mandatory:
		if !nested {
			return txns.NewError(txns.KindPropagation, 0, "mandatory propagation without a transaction")
		}
		return fn(ctx, outer)
	case config.Never:
		if nested {
			return txns.NewError(txns.KindPropagation, outer.ID(), "never propagation inside a transaction")
		}
		return fn(ctx, nil)
	}
	return manager.Run(ctx, manager.NewTxn(), fn)
}

// Run is the retry loop of Atomic for a caller supplied transaction.
func (manager *TxnManager) Run(ctx context.Context, tx *txns.Txn, fn Callable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			manager.Metrics.Abort("panic")
			panic(r)
		}
	}()

	for {
		err = manager.attempt(ctx, tx, fn)
		if err == nil {
			manager.Metrics.Commit(tx.Attempt())
			return nil
		}

		switch {
		case errors.Is(err, txns.ErrSpeculativeConfiguration):
			tx = manager.Upgrade(tx)

		case errors.Is(err, txns.ErrRetry):
			cause := err
			manager.Metrics.RetryWait()
			if err = tx.AwaitRetry(ctx); err != nil {
				if errors.Is(err, txns.ErrRetryTimeout) {
					logger.Inst.Infow("retry timed out", "txn", tx.ID(), "attempt", tx.Attempt())
					manager.Metrics.RetryTimeout()
				}
				manager.Metrics.Abort("retry_wait")
				return err
			}
			logger.Inst.Debugw("retry woken", "txn", tx.ID(), "attempt", tx.Attempt())
			if !tx.SoftReset() {
				return manager.tooManyRetries(tx, cause)
			}

		case errors.Is(err, txns.ErrReadWriteConflict):
			manager.Metrics.Conflict()
			if !tx.SoftReset() {
				return manager.tooManyRetries(tx, err)
			}
			if err = manager.backoff(ctx, tx.Attempt()); err != nil {
				tx.Abort()
				manager.Metrics.Abort("cancelled")
				return err
			}

		default:
			tx.Abort()
			manager.Metrics.Abort("error")
			return err
		}
	}
}

func (manager *TxnManager) attempt(ctx context.Context, tx *txns.Txn, fn Callable) error {
	err := fn(txns.WithTxn(ctx, tx), tx)
	if tx.SpeculativeFailure() {
		return txns.NewError(txns.KindSpeculativeConfiguration, tx.ID(), "escalation during the attempt")
	}
	if err != nil {
		if errors.Is(err, txns.ErrRetry) && tx.IsAlive() {
			return tx.Retry()
		}
		return err
	}
	return tx.Commit()
}

func (manager *TxnManager) tooManyRetries(tx *txns.Txn, cause error) error {
	logger.Inst.Warnw("transaction gave up", "txn", tx.ID(), "attempts", tx.Attempt(), "cause", cause)
	manager.Metrics.Abort("too_many_retries")
	return errors.WithMessage(
		txns.NewError(txns.KindTooManyRetries, tx.ID(), "retry budget exhausted"), cause.Error())
}

func (manager *TxnManager) backoff(ctx context.Context, attempt int) error {
	d := manager.Config.Backoff.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OrElse runs either and, when it asks for a retry, undoes its writes and runs
// orElse instead. Both branches share tx, so a retry from orElse waits on the
// objects read by either branch. Lean transactions escalate.
func (manager *TxnManager) OrElse(ctx context.Context, tx *txns.Txn, either, orElse Callable) error {
	sp, err := tx.Savepoint()
	if err != nil {
		return err
	}
	err = either(ctx, tx)
	if err == nil || !errors.Is(err, txns.ErrRetry) || !tx.IsActive() {
		return err
	}
	if err := tx.RollbackTo(sp); err != nil {
		return err
	}
	return orElse(ctx, tx)
}
