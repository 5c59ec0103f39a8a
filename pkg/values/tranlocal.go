package values

import (
	"runtime"

	"simple-stm/pkg/orec"
	"simple-stm/pkg/txns"
)

// Tranlocal is the draft of a Ref[T] inside one transaction.
type Tranlocal[T comparable] struct {
	txns.Meta

	ref      *Ref[T]
	value    T
	oldValue T
	commutes []func(T) T
}

func (tl *Tranlocal[T]) Value() T {
	return tl.value
}

func (tl *Tranlocal[T]) Load(spin int) bool {
	o := &tl.ref.orec
	locked := tl.LockMode != orec.LockNone
	for {
		version := o.Version()
		if !locked && o.IsCommitLocked() {
			if !spinOnce(&spin) {
				return false
			}
			continue
		}
		v := tl.ref.load()
		if !locked && (o.IsCommitLocked() || o.Version() != version) {
			if !spinOnce(&spin) {
				return false
			}
			continue
		}
		tl.Version = version
		tl.value = v
		tl.oldValue = v
		return true
	}
}

func spinOnce(spin *int) bool {
	if *spin <= 0 {
		return false
	}
	*spin--
	runtime.Gosched()
	return true
}

func (tl *Tranlocal[T]) Dirty() bool {
	return tl.value != tl.oldValue
}

func (tl *Tranlocal[T]) Publish(version uint64) {
	tl.ref.store(tl.value)
	tl.ref.orec.CommitVersion(version)
}

func (tl *Tranlocal[T]) ApplyCommutes() {
	v := tl.value
	for _, fn := range tl.commutes {
		v = fn(v)
	}
	tl.value = v
	tl.commutes = nil
}

func (tl *Tranlocal[T]) HasCommutes() bool {
	return len(tl.commutes) > 0
}

type checkpoint[T comparable] struct {
	status   txns.Status
	dirty    bool
	value    T
	commutes []func(T) T
}

func (tl *Tranlocal[T]) Checkpoint() any {
	return checkpoint[T]{
		status:   tl.Status,
		dirty:    tl.IsDirty,
		value:    tl.value,
		commutes: append([]func(T) T(nil), tl.commutes...),
	}
}

func (tl *Tranlocal[T]) Rollback(cp any) {
	if cp == nil {
		switch tl.Status {
		case txns.Constructing:
		case txns.Commuting:
			tl.commutes = nil
		default:
			tl.value = tl.oldValue
			tl.Status = txns.Readonly
			tl.IsDirty = false
		}
		return
	}

	c := cp.(checkpoint[T])
	if c.status == txns.Commuting && tl.Status != txns.Commuting {
		// loaded since the checkpoint: replay the functions queued back then
		v := tl.oldValue
		for _, fn := range c.commutes {
			v = fn(v)
		}
		tl.value = v
		tl.Status = txns.Update
		tl.IsDirty = false
		return
	}
	tl.Status = c.status
	tl.IsDirty = c.dirty
	tl.value = c.value
	tl.commutes = c.commutes
}
