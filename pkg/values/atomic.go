package values

import (
	"fmt"

	"simple-stm/pkg/orec"
	"simple-stm/pkg/txns"
)

// Operations below run outside any transaction. Each one takes the commit lock of
// the reference for the duration of a single update.

// AtomicGet returns a consistent committed value.
func (r *Ref[T]) AtomicGet() (T, error) {
	var zero T
	spin := r.env.SpinCount
	for {
		version := r.orec.Version()
		if !r.orec.IsCommitLocked() {
			v := r.load()
			if !r.orec.IsCommitLocked() && r.orec.Version() == version {
				if version == orec.VersionUncommitted {
					return zero, txns.NewError(txns.KindIllegalState, 0, fmt.Sprintf("ref %d is not committed", r.id))
				}
				return v, nil
			}
		}
		if !spinOnce(&spin) {
			return zero, txns.NewError(txns.KindLocked, 0, fmt.Sprintf("ref %d is locked", r.id))
		}
	}
}

// AtomicWeakGet returns the last published value without any consistency check.
func (r *Ref[T]) AtomicWeakGet() T {
	return r.load()
}

// atomicUpdate commit locks r, asks fn for the next value and publishes it when
// fn reports a change.
func (r *Ref[T]) atomicUpdate(fn func(old T) (T, bool)) (old T, next T, err error) {
	st := r.orec.TryLockAndArrive(r.env.SpinCount, orec.LockCommit, 0)
	if st.Failed() {
		return old, next, txns.NewError(txns.KindLocked, 0, fmt.Sprintf("ref %d is locked", r.id))
	}
	version := r.orec.Version()
	if version == orec.VersionUncommitted {
		r.orec.DepartAfterFailureAndUnlock()
		return old, next, txns.NewError(txns.KindIllegalState, 0, fmt.Sprintf("ref %d is not committed", r.id))
	}

	old = r.load()
	next, changed := fn(old)
	if !changed {
		r.orec.DepartAfterFailureAndUnlock()
		return old, old, nil
	}

	if st.Conflicted() {
		r.env.Counter.SignalConflict()
	}
	r.store(next)
	r.orec.CommitVersion(version + 1)
	r.orec.DepartAfterUpdateAndUnlock().OpenAll()
	return old, next, nil
}

func (r *Ref[T]) AtomicSet(v T) error {
	_, _, err := r.atomicUpdate(func(old T) (T, bool) { return v, old != v })
	return err
}

func (r *Ref[T]) AtomicGetAndSet(v T) (T, error) {
	old, _, err := r.atomicUpdate(func(old T) (T, bool) { return v, old != v })
	return old, err
}

// AtomicCompareAndSet sets v if the reference holds expected.
func (r *Ref[T]) AtomicCompareAndSet(expected, v T) (bool, error) {
	swapped := false
	_, _, err := r.atomicUpdate(func(old T) (T, bool) {
		if old != expected {
			return old, false
		}
		swapped = true
		return v, old != v
	})
	return swapped, err
}

// AtomicAlter replaces the value with fn(value) and returns the new value.
func (r *Ref[T]) AtomicAlter(fn func(T) T) (T, error) {
	_, next, err := r.atomicUpdate(func(old T) (T, bool) {
		v := fn(old)
		return v, old != v
	})
	return next, err
}
