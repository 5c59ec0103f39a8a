package txns

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"simple-stm/pkg/conflict"
	"simple-stm/pkg/latch"
	"simple-stm/pkg/orec"
)

type State int

const (
	Active State = iota
	Prepared
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Txn is one transaction. It is owned by a single goroutine; only the orecs of
// the objects it opens are shared.
//
// Lean transactions (mono and fixed, not fat) only do plain reads and writes.
// Anything else makes them record the requirement in the speculative cell, abort
// and fail with ErrSpeculativeConfiguration so the executor starts a fatter one.
type Txn struct {
	id       uint64
	cfg      *TxnConfig
	shape    Shape
	fat      bool
	attached storage

	state            State
	attempt          int
	remainingTimeout time.Duration

	local      *conflict.LocalCounter
	retryLatch *latch.Latch
	retryEra   uint64
	listeners  []Listener

	hasUpdates         bool
	abortOnly          bool
	commitConflict     bool
	speculativeFailure bool
	evaluatingCommute  bool
}

// New creates an active transaction. Growable transactions are always fat.
func New(id uint64, cfg *TxnConfig, shape Shape, fat bool) *Txn {
	tx := &Txn{
		id:         id,
		shape:      shape,
		fat:        fat || shape == ShapeGrowable,
		retryLatch: latch.New(),
	}
	tx.init(cfg)
	return tx
}

func (tx *Txn) init(cfg *TxnConfig) {
	tx.cfg = cfg
	tx.attached = newStorage(tx.shape, cfg.MaxFixedLengthTxnSize)
	tx.local = conflict.NewLocalCounter(cfg.Env.Counter)
	tx.attempt = 1
	tx.remainingTimeout = cfg.initialTimeout()
	tx.reset()
}

func (tx *Txn) reset() {
	tx.attached.reset()
	tx.state = Active
	tx.listeners = nil
	tx.hasUpdates = false
	tx.abortOnly = false
	tx.commitConflict = false
	tx.speculativeFailure = false
	tx.evaluatingCommute = false
	tx.local.Reset()
}

func (tx *Txn) ID() uint64                      { return tx.id }
func (tx *Txn) State() State                    { return tx.state }
func (tx *Txn) Shape() Shape                    { return tx.shape }
func (tx *Txn) IsFat() bool                     { return tx.fat }
func (tx *Txn) Attempt() int                    { return tx.attempt }
func (tx *Txn) RemainingTimeout() time.Duration { return tx.remainingTimeout }
func (tx *Txn) Size() int                       { return tx.attached.size() }
func (tx *Txn) HasUpdates() bool                { return tx.hasUpdates }
func (tx *Txn) RetryLatch() *latch.Latch        { return tx.retryLatch }
func (tx *Txn) Config() *TxnConfig              { return tx.cfg }
func (tx *Txn) IsActive() bool                  { return tx.state == Active }
func (tx *Txn) IsAlive() bool                   { return tx.state == Active || tx.state == Prepared }

// SpeculativeFailure reports whether this attempt ended in a speculative escalation.
func (tx *Txn) SpeculativeFailure() bool { return tx.speculativeFailure }

func (tx *Txn) String() string {
	return fmt.Sprintf("txn{id=%d state=%s shape=%s fat=%v attempt=%d size=%d}",
		tx.id, tx.state, tx.shape, tx.fat, tx.attempt, tx.attached.size())
}

func (tx *Txn) checkActive() error {
	switch tx.state {
	case Active:
		return nil
	case Prepared:
		tx.Abort()
		return NewError(KindPreparedTxn, tx.id, "transaction is already prepared")
	default:
		return NewError(KindDeadTxn, tx.id, "transaction is "+tx.state.String())
	}
}

func (tx *Txn) checkOpen(obj Object) error {
	if tx.evaluatingCommute {
		panic("txns: object opened while evaluating a commuting function")
	}
	if err := tx.checkActive(); err != nil {
		return err
	}
	if obj.Env() != tx.cfg.Env {
		tx.Abort()
		return NewError(KindIllegalState, tx.id, fmt.Sprintf("object %d belongs to another stm", obj.ID()))
	}
	return nil
}

func (tx *Txn) abortOnConflict(reason string) error {
	tx.Abort()
	return NewError(KindReadWriteConflict, tx.id, reason)
}

func (tx *Txn) escalate(signal func(), reason string) error {
	signal()
	tx.speculativeFailure = true
	tx.Abort()
	return NewError(KindSpeculativeConfiguration, tx.id, reason)
}

func (tx *Txn) checkWritable() error {
	if tx.cfg.ReadOnly {
		tx.Abort()
		return NewError(KindReadonly, tx.id, "write in a read only transaction")
	}
	return nil
}

// EvaluateCommute runs fn while opening objects is forbidden.
func (tx *Txn) EvaluateCommute(fn func()) {
	tx.evaluatingCommute = true
	defer func() { tx.evaluatingCommute = false }()
	fn()
}

// load arrives at the orec of tl taking mode and snapshots the committed value.
func (tx *Txn) load(tl Tranlocal, mode orec.LockMode) bool {
	m := tl.Metadata()
	o := m.Owner.Orec()
	spin := tx.cfg.Env.SpinCount

	var st orec.ArriveStatus
	if mode == orec.LockNone {
		st = o.Arrive(spin)
	} else {
		st = o.TryLockAndArrive(spin, mode, tx.id)
	}
	if st.Failed() {
		return false
	}
	m.HasDepartObligation = !st.Unregistered()
	m.LockMode = mode
	if st.Conflicted() {
		tx.commitConflict = true
	}

	if !tl.Load(spin) {
		return false
	}
	return m.Version != orec.VersionUncommitted
}

// release undoes the arrival and lock of tl without publishing anything.
func (tx *Txn) release(tl Tranlocal) {
	m := tl.Metadata()
	o := m.Owner.Orec()
	if m.LockMode != orec.LockNone {
		o.DepartAfterFailureAndUnlock()
	} else if m.HasDepartObligation {
		o.DepartAfterFailure()
	}
	m.LockMode = orec.LockNone
	m.HasDepartObligation = false
}

func (tx *Txn) departAfterCommit(tl Tranlocal) {
	m := tl.Metadata()
	o := m.Owner.Orec()
	if m.LockMode != orec.LockNone {
		o.DepartAfterFailureAndUnlock()
	} else if m.HasDepartObligation {
		o.DepartAfterReading(tx.cfg.Env.ReadBiasedThreshold)
	}
	m.LockMode = orec.LockNone
	m.HasDepartObligation = false
}

func (tx *Txn) upgradeLock(tl Tranlocal, mode orec.LockMode) bool {
	m := tl.Metadata()
	if mode <= m.LockMode {
		return true
	}
	o := m.Owner.Orec()

	var st orec.ArriveStatus
	switch {
	case m.LockMode == orec.LockUpdate:
		st = o.UpgradeToCommitLock()
	case m.HasDepartObligation:
		st = o.TryLockAfterArrive(tx.cfg.Env.SpinCount, mode, tx.id)
	default:
		st = o.TryLockAndArrive(tx.cfg.Env.SpinCount, mode, tx.id)
		if !st.Failed() {
			m.HasDepartObligation = !st.Unregistered()
		}
	}
	if st.Failed() {
		return false
	}
	m.LockMode = mode
	if st.Conflicted() {
		tx.commitConflict = true
	}
	return o.Version() == m.Version
}

// readConsistent checks that every attached object, loaded included, is still
// what it was. Fat transactions only look when the global conflict counter moved.
// A commit that lands while loaded is read shows up as a version change on it.
func (tx *Txn) readConsistent() bool {
	if tx.fat {
		if !tx.local.SyncAndCheckConflict() {
			return true
		}
	} else if tx.attached.size() <= 1 {
		return true
	}

	ok := true
	tx.attached.each(func(tl Tranlocal) bool {
		m := tl.Metadata()
		if m.Status == Commuting || m.Status == Constructing {
			return true
		}
		ok = !m.Owner.Orec().HasReadConflict(m.Version, m.LockMode)
		return ok
	})
	return ok
}

func (tx *Txn) attachNew(tl Tranlocal) error {
	if tx.attached.attach(tl) {
		return nil
	}
	length := tx.attached.size() + 1
	return tx.escalate(func() { tx.cfg.Speculative.SignalSizeRequired(length) },
		fmt.Sprintf("%s transaction needs room for %d objects", tx.shape, length))
}

func (tx *Txn) loadNew(tl Tranlocal, mode orec.LockMode) error {
	m := tl.Metadata()
	m.WriteSkewCheck = !tx.cfg.IsolationLevel.WriteSkewAllowed()
	if !tx.load(tl, mode) {
		return tx.abortOnConflict(fmt.Sprintf("load of object %d failed", m.Owner.ID()))
	}
	if !tx.readConsistent() {
		return tx.abortOnConflict(fmt.Sprintf("read set changed while loading object %d", m.Owner.ID()))
	}
	return nil
}

func (tx *Txn) flatten(tl Tranlocal, mode orec.LockMode) error {
	m := tl.Metadata()
	if err := tx.loadNew(tl, mode); err != nil {
		return err
	}
	tx.EvaluateCommute(tl.ApplyCommutes)
	m.Status = Update
	tx.hasUpdates = true
	return nil
}

func (tx *Txn) reopen(tl Tranlocal, mode orec.LockMode, write bool) error {
	m := tl.Metadata()
	switch m.Status {
	case Constructing:
		return nil
	case Commuting:
		return tx.flatten(tl, mode)
	}
	if write && m.Status == Readonly {
		m.Status = Update
		tx.hasUpdates = true
	}
	if !tx.upgradeLock(tl, mode) {
		return tx.abortOnConflict(fmt.Sprintf("%s lock on object %d failed", mode, m.Owner.ID()))
	}
	return nil
}

func (tx *Txn) lockChecked(mode orec.LockMode) error {
	if !tx.fat && mode != orec.LockNone {
		return tx.escalate(tx.cfg.Speculative.SignalLocksRequired, "lean transaction cannot lock")
	}
	return nil
}

// OpenForRead returns the draft of obj, loading it on first use. Opening an
// attached object again returns the same draft with its lock raised to mode.
func (tx *Txn) OpenForRead(obj Object, mode orec.LockMode) (Tranlocal, error) {
	if err := tx.checkOpen(obj); err != nil {
		return nil, err
	}
	mode = maxLockMode(mode, tx.cfg.ReadLockMode)
	if err := tx.lockChecked(mode); err != nil {
		return nil, err
	}

	if tl := tx.attached.find(obj); tl != nil {
		return tl, tx.reopen(tl, mode, false)
	}
	if !tx.cfg.ReadTrackingEnabled && mode == orec.LockNone && tx.cfg.IsolationLevel.WriteSkewAllowed() {
		return tx.untrackedRead(obj)
	}

	tl := obj.NewTranlocal()
	if err := tx.attachNew(tl); err != nil {
		return nil, err
	}
	if err := tx.loadNew(tl, mode); err != nil {
		return nil, err
	}
	return tl, nil
}

func (tx *Txn) untrackedRead(obj Object) (Tranlocal, error) {
	tl := obj.NewTranlocal()
	m := tl.Metadata()
	ok := tx.load(tl, orec.LockNone)
	if m.HasDepartObligation {
		if ok {
			obj.Orec().DepartAfterReading(tx.cfg.Env.ReadBiasedThreshold)
		} else {
			obj.Orec().DepartAfterFailure()
		}
		m.HasDepartObligation = false
	}
	if !ok {
		return nil, tx.abortOnConflict(fmt.Sprintf("load of object %d failed", obj.ID()))
	}
	return tl, nil
}

// OpenForWrite is OpenForRead for a draft the transaction intends to change.
func (tx *Txn) OpenForWrite(obj Object, mode orec.LockMode) (Tranlocal, error) {
	if err := tx.checkOpen(obj); err != nil {
		return nil, err
	}
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	mode = maxLockMode(mode, tx.cfg.WriteLockMode)
	if err := tx.lockChecked(mode); err != nil {
		return nil, err
	}

	if tl := tx.attached.find(obj); tl != nil {
		return tl, tx.reopen(tl, mode, true)
	}

	tl := obj.NewTranlocal()
	if err := tx.attachNew(tl); err != nil {
		return nil, err
	}
	tl.Metadata().Status = Update
	tx.hasUpdates = true
	if err := tx.loadNew(tl, mode); err != nil {
		return nil, err
	}
	return tl, nil
}

// OpenForConstruction attaches an object that was never committed. It stays
// commit locked by tx and becomes visible at version 1 when tx commits.
func (tx *Txn) OpenForConstruction(obj Object) (Tranlocal, error) {
	if err := tx.checkOpen(obj); err != nil {
		return nil, err
	}
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if !tx.fat {
		return nil, tx.escalate(tx.cfg.Speculative.SignalConstructedObjectsRequired, "lean transaction cannot construct")
	}

	if tl := tx.attached.find(obj); tl != nil {
		if tl.Metadata().Status == Constructing {
			return tl, nil
		}
		tx.Abort()
		return nil, NewError(KindIllegalState, tx.id, fmt.Sprintf("object %d is already attached", obj.ID()))
	}
	o := obj.Orec()
	if o.Version() != orec.VersionUncommitted {
		tx.Abort()
		return nil, NewError(KindIllegalState, tx.id, fmt.Sprintf("object %d is already committed", obj.ID()))
	}

	tl := obj.NewTranlocal()
	if err := tx.attachNew(tl); err != nil {
		return nil, err
	}
	m := tl.Metadata()
	m.Status = Constructing
	tx.hasUpdates = true

	st := o.TryLockAndArrive(0, orec.LockCommit, tx.id)
	if st.Failed() {
		return nil, tx.abortOnConflict(fmt.Sprintf("object %d is constructed by another transaction", obj.ID()))
	}
	m.LockMode = orec.LockCommit
	m.HasDepartObligation = !st.Unregistered()
	m.Version = orec.VersionUncommitted
	m.IsDirty = true
	return tl, nil
}

// OpenForCommute returns the draft a commuting function is queued on. For an
// object that is not attached yet nothing is loaded: the draft is Commuting and
// the caller queues the function. For an attached object the caller applies the
// function right away through EvaluateCommute.
func (tx *Txn) OpenForCommute(obj Object) (Tranlocal, error) {
	if err := tx.checkOpen(obj); err != nil {
		return nil, err
	}
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if !tx.fat {
		return nil, tx.escalate(tx.cfg.Speculative.SignalCommuteRequired, "lean transaction cannot commute")
	}

	if tl := tx.attached.find(obj); tl != nil {
		m := tl.Metadata()
		if m.Status == Readonly {
			m.Status = Update
		}
		tx.hasUpdates = true
		return tl, nil
	}

	tl := obj.NewTranlocal()
	if err := tx.attachNew(tl); err != nil {
		return nil, err
	}
	tl.Metadata().Status = Commuting
	tx.hasUpdates = true
	return tl, nil
}

// Get returns the draft of obj if it is attached, without opening it.
func (tx *Txn) Get(obj Object) Tranlocal {
	return tx.attached.find(obj)
}

// Locate is Get for a transaction that must still be alive.
func (tx *Txn) Locate(obj Object) (Tranlocal, error) {
	if !tx.IsAlive() {
		return nil, NewError(KindDeadTxn, tx.id, "locate on a "+tx.state.String()+" transaction")
	}
	return tx.attached.find(obj), nil
}

// Register adds a listener for the current attempt.
func (tx *Txn) Register(l Listener) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.fat {
		return tx.escalate(tx.cfg.Speculative.SignalListenersRequired, "lean transaction cannot take listeners")
	}
	tx.listeners = append(tx.listeners, l)
	return nil
}

// SetAbortOnly makes the next prepare or commit fail with a conflict.
func (tx *Txn) SetAbortOnly() error {
	if !tx.IsAlive() {
		return NewError(KindDeadTxn, tx.id, "abort only on a "+tx.state.String()+" transaction")
	}
	tx.abortOnly = true
	return nil
}

func (tx *Txn) Prepare() error {
	switch tx.state {
	case Prepared:
		return nil
	case Committed, Aborted:
		return NewError(KindDeadTxn, tx.id, "prepare of a "+tx.state.String()+" transaction")
	}

	tx.notify(PrePrepare)
	if tx.state != Active {
		return NewError(KindDeadTxn, tx.id, "transaction ended during pre-prepare")
	}
	// a pre-prepare listener may still mark the transaction abort only
	if tx.abortOnly {
		return tx.abortOnConflict("transaction is abort only")
	}

	if tx.hasUpdates && !tx.prepareUpdates() {
		return tx.abortOnConflict("write set changed")
	}
	if !tx.cfg.IsolationLevel.WriteSkewAllowed() && !tx.validateReads() {
		return tx.abortOnConflict("read set changed")
	}
	tx.state = Prepared
	return nil
}

// prepareUpdates commit locks every write that has to be published. With the
// dirty check on, unchanged writes are only validated like reads.
func (tx *Txn) prepareUpdates() bool {
	ok := true
	tx.attached.each(func(tl Tranlocal) bool {
		m := tl.Metadata()
		switch m.Status {
		case Commuting:
			if !tl.HasCommutes() {
				return true
			}
			if !tx.load(tl, orec.LockCommit) {
				ok = false
				return false
			}
			tx.EvaluateCommute(tl.ApplyCommutes)
			m.Status = Update
			m.IsDirty = !tx.cfg.DirtyCheckEnabled || tl.Dirty()

		case Update:
			m.IsDirty = !tx.cfg.DirtyCheckEnabled || tl.Dirty()
			if m.IsDirty {
				ok = tx.upgradeLock(tl, orec.LockCommit)
			} else {
				ok = !m.Owner.Orec().HasReadConflict(m.Version, m.LockMode)
			}

		case Constructing:
			m.IsDirty = true
		}
		return ok
	})
	return ok
}

func (tx *Txn) validateReads() bool {
	ok := true
	tx.attached.each(func(tl Tranlocal) bool {
		m := tl.Metadata()
		if m.Status == Readonly && m.WriteSkewCheck {
			ok = !m.Owner.Orec().HasReadConflict(m.Version, m.LockMode)
		}
		return ok
	})
	return ok
}

// Commit publishes every dirty write at its version plus one. Change listeners
// of the written objects are opened once the transaction is committed.
func (tx *Txn) Commit() error {
	switch tx.state {
	case Committed:
		return nil
	case Aborted:
		return NewError(KindDeadTxn, tx.id, "commit of an aborted transaction")
	case Active:
		if err := tx.Prepare(); err != nil {
			return err
		}
	}

	// readers of the objects below must see the counter move before any new value
	if tx.commitConflict {
		tx.cfg.Env.Counter.SignalConflict()
	}

	var woken []*orec.Listener
	tx.attached.each(func(tl Tranlocal) bool {
		m := tl.Metadata()
		if m.IsDirty && (m.Status == Update || m.Status == Constructing) {
			tl.Publish(m.Version + 1)
			if l := m.Owner.Orec().DepartAfterUpdateAndUnlock(); l != nil {
				woken = append(woken, l)
			}
			m.LockMode = orec.LockNone
			m.HasDepartObligation = false
		} else {
			tx.departAfterCommit(tl)
		}
		return true
	})
	tx.state = Committed

	for _, l := range woken {
		l.OpenAll()
	}
	tx.notify(PostCommit)
	return nil
}

func (tx *Txn) Abort() error {
	switch tx.state {
	case Aborted:
		return nil
	case Committed:
		return NewError(KindDeadTxn, tx.id, "abort of a committed transaction")
	}
	tx.attached.each(func(tl Tranlocal) bool {
		tx.release(tl)
		return true
	})
	tx.state = Aborted
	tx.notify(PostAbort)
	return nil
}

// Retry registers the retry latch on the attached objects, aborts, and returns
// the retry signal. The caller waits with AwaitRetry and starts a new attempt.
func (tx *Txn) Retry() error {
	switch tx.state {
	case Prepared:
		tx.Abort()
		return NewError(KindPreparedTxn, tx.id, "retry of a prepared transaction")
	case Committed, Aborted:
		return NewError(KindDeadTxn, tx.id, "retry of a "+tx.state.String()+" transaction")
	}
	if !tx.cfg.BlockingAllowed {
		tx.Abort()
		return NewError(KindRetryNotAllowed, tx.id, "blocking is not allowed")
	}
	if tx.attached.size() == 0 {
		tx.Abort()
		return NewError(KindNoRetryPossible, tx.id, "no objects attached")
	}

	tx.retryLatch.Reset()
	tx.retryEra = tx.retryLatch.Era()

	registered, further := false, true
	tx.attached.each(func(tl Tranlocal) bool {
		m := tl.Metadata()
		if further && (m.Status == Readonly || m.Status == Update) {
			switch m.Owner.Orec().RegisterChangeListener(tx.retryLatch, tx.retryEra, m.Version) {
			case orec.RegisterDone:
				registered = true
			case orec.RegisterNotNeeded:
				registered = true
				further = false
			}
		}
		tx.release(tl)
		return true
	})
	tx.state = Aborted
	tx.notify(PostAbort)

	if !registered {
		return NewError(KindNoRetryPossible, tx.id, "no loaded objects to wait on")
	}
	return NewError(KindRetry, tx.id, "")
}

// AwaitRetry blocks until an object registered by Retry changes, the remaining
// timeout runs out or ctx is done.
func (tx *Txn) AwaitRetry(ctx context.Context) error {
	left, err := tx.retryLatch.Await(ctx, tx.retryEra, tx.remainingTimeout)
	if tx.remainingTimeout >= 0 {
		tx.remainingTimeout = left
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, latch.ErrTimeout):
		return NewError(KindRetryTimeout, tx.id, "no change within the timeout")
	default:
		return errors.Wrapf(err, "txn %d: retry wait", tx.id)
	}
}

// SoftReset prepares the next attempt. It returns false when the retry budget
// is used up.
func (tx *Txn) SoftReset() bool {
	if tx.IsAlive() {
		tx.Abort()
	}
	if tx.attempt >= tx.cfg.MaxRetries {
		return false
	}
	tx.attempt++
	tx.reset()
	return true
}

// HardReset starts over as a fresh transaction with the full budget.
func (tx *Txn) HardReset() {
	if tx.IsAlive() {
		tx.Abort()
	}
	tx.attempt = 1
	tx.remainingTimeout = tx.cfg.initialTimeout()
	tx.reset()
}

// Init reuses tx under another configuration.
func (tx *Txn) Init(cfg *TxnConfig) {
	if tx.IsAlive() {
		tx.Abort()
	}
	tx.init(cfg)
}

// ContinueFrom carries the attempt count and the remaining timeout of prev over
// to tx, for a transaction that replaces prev after an escalation.
func (tx *Txn) ContinueFrom(prev *Txn) {
	tx.attempt = prev.attempt
	tx.remainingTimeout = prev.remainingTimeout
}

// Savepoint captures the drafts so that RollbackTo can undo what follows.
type Savepoint struct {
	checkpoints []any
}

func (tx *Txn) Savepoint() (*Savepoint, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if !tx.fat {
		return nil, tx.escalate(tx.cfg.Speculative.SignalOrElseRequired, "lean transaction cannot take savepoints")
	}
	sp := &Savepoint{checkpoints: make([]any, 0, tx.attached.size())}
	tx.attached.each(func(tl Tranlocal) bool {
		sp.checkpoints = append(sp.checkpoints, tl.Checkpoint())
		return true
	})
	return sp, nil
}

// RollbackTo restores the drafts captured by sp. Objects attached since stay
// attached, reverted to what they loaded, so a later retry still waits on them.
func (tx *Txn) RollbackTo(sp *Savepoint) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	i := 0
	tx.EvaluateCommute(func() {
		tx.attached.each(func(tl Tranlocal) bool {
			if i < len(sp.checkpoints) {
				tl.Rollback(sp.checkpoints[i])
			} else {
				tl.Rollback(nil)
			}
			i++
			return true
		})
	})
	return nil
}
