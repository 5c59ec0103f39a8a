package values

import (
	"fmt"

	"go.uber.org/atomic"

	"simple-stm/pkg/orec"
	"simple-stm/pkg/txns"
)

// Ref is a transactional reference to a T. T must be comparable so unchanged
// writes can be told apart from real ones.
type Ref[T comparable] struct {
	orec  orec.Orec
	id    uint64
	env   *txns.Env
	value atomic.Pointer[T]
}

func newRef[T comparable](env *txns.Env, version uint64) *Ref[T] {
	r := &Ref[T]{id: env.NextObjectID(), env: env}
	r.orec.Initialize(version)
	return r
}

// NewRef creates a committed reference holding v.
func NewRef[T comparable](env *txns.Env, v T) *Ref[T] {
	r := newRef[T](env, 1)
	r.store(v)
	return r
}

// New creates a reference that is not committed yet. Transactions cannot read
// it until one of them constructs it.
func New[T comparable](env *txns.Env) *Ref[T] {
	return newRef[T](env, orec.VersionUncommitted)
}

// NewRefTx creates a reference that becomes visible holding v when tx commits.
func NewRefTx[T comparable](tx *txns.Txn, v T) (*Ref[T], error) {
	r := New[T](tx.Config().Env)
	if err := r.Construct(tx, v); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ref[T]) Orec() *orec.Orec { return &r.orec }
func (r *Ref[T]) ID() uint64       { return r.id }
func (r *Ref[T]) Env() *txns.Env   { return r.env }

func (r *Ref[T]) NewTranlocal() txns.Tranlocal {
	tl := &Tranlocal[T]{ref: r}
	tl.Owner = r
	return tl
}

func (r *Ref[T]) String() string {
	return fmt.Sprintf("ref{id=%d value=%v %s}", r.id, r.load(), &r.orec)
}

func (r *Ref[T]) load() T {
	var zero T
	if p := r.value.Load(); p != nil {
		return *p
	}
	return zero
}

func (r *Ref[T]) store(v T) {
	r.value.Store(&v)
}

func (r *Ref[T]) tranlocal(tl txns.Tranlocal) *Tranlocal[T] {
	return tl.(*Tranlocal[T])
}

// Construct gives an uncommitted reference its initial value inside tx.
func (r *Ref[T]) Construct(tx *txns.Txn, v T) error {
	tl, err := tx.OpenForConstruction(r)
	if err != nil {
		return err
	}
	r.tranlocal(tl).value = v
	return nil
}

func (r *Ref[T]) Get(tx *txns.Txn) (T, error) {
	return r.GetWithLock(tx, orec.LockNone)
}

func (r *Ref[T]) GetWithLock(tx *txns.Txn, mode orec.LockMode) (T, error) {
	tl, err := tx.OpenForRead(r, mode)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.tranlocal(tl).value, nil
}

func (r *Ref[T]) Set(tx *txns.Txn, v T) error {
	tl, err := tx.OpenForWrite(r, orec.LockNone)
	if err != nil {
		return err
	}
	r.tranlocal(tl).value = v
	return nil
}

func (r *Ref[T]) SetWithLock(tx *txns.Txn, v T, mode orec.LockMode) error {
	tl, err := tx.OpenForWrite(r, mode)
	if err != nil {
		return err
	}
	r.tranlocal(tl).value = v
	return nil
}

func (r *Ref[T]) GetAndSet(tx *txns.Txn, v T) (T, error) {
	tl, err := tx.OpenForWrite(r, orec.LockNone)
	if err != nil {
		var zero T
		return zero, err
	}
	t := r.tranlocal(tl)
	old := t.value
	t.value = v
	return old, nil
}

// Alter replaces the value with fn(value) and returns the new value.
func (r *Ref[T]) Alter(tx *txns.Txn, fn func(T) T) (T, error) {
	tl, err := tx.OpenForWrite(r, orec.LockNone)
	if err != nil {
		var zero T
		return zero, err
	}
	t := r.tranlocal(tl)
	t.value = fn(t.value)
	return t.value, nil
}

// Commute defers fn until the value is needed or the transaction commits, so
// concurrent commuters of the same reference do not conflict. fn must not touch
// other transactional objects.
func (r *Ref[T]) Commute(tx *txns.Txn, fn func(T) T) error {
	tl, err := tx.OpenForCommute(r)
	if err != nil {
		return err
	}
	t := r.tranlocal(tl)
	if t.Status == txns.Commuting {
		t.commutes = append(t.commutes, fn)
		return nil
	}
	tx.EvaluateCommute(func() { t.value = fn(t.value) })
	return nil
}

// Await returns a retry signal until the reference holds v.
func (r *Ref[T]) Await(tx *txns.Txn, v T) error {
	cur, err := r.Get(tx)
	if err != nil {
		return err
	}
	if cur != v {
		return txns.NewError(txns.KindRetry, tx.ID(), fmt.Sprintf("waiting for %v on ref %d", v, r.id))
	}
	return nil
}

// Locate returns the draft value of r in tx without opening it.
func (r *Ref[T]) Locate(tx *txns.Txn) (T, bool) {
	var zero T
	tl := tx.Get(r)
	if tl == nil {
		return zero, false
	}
	return r.tranlocal(tl).value, true
}
