package orec

import (
	"fmt"
	"runtime"

	"go.uber.org/atomic"
)

// Layout of the orec word:
//
//	bits  0-1   lock mode
//	bit   2     read biased
//	bits  3-12  readonly count
//	bits 13-63  surplus
const (
	lockMask       = 0x3
	biasBit        = 1 << 2
	readonlyShift  = 3
	readonlyBits   = 10
	readonlyMask   = (1<<readonlyBits - 1) << readonlyShift
	surplusShift   = readonlyShift + readonlyBits
	surplusBits    = 64 - surplusShift
	surplusMaxMask = 1<<surplusBits - 1

	// MaxReadonlyCount is the largest readonly streak the word can hold.
	MaxReadonlyCount = 1<<readonlyBits - 1
	// MaxSurplus is the largest number of concurrently arrived transactions.
	MaxSurplus = surplusMaxMask
)

// VersionUncommitted is the version of an object whose construction has not committed.
const VersionUncommitted uint64 = 0

type word uint64

func (w word) lockMode() LockMode { return LockMode(w & lockMask) }
func (w word) readBiased() bool { return w&biasBit != 0 }
func (w word) readonlyCount() int { return int((w & readonlyMask) >> readonlyShift) }
func (w word) surplus() uint64 { return uint64(w) >> surplusShift }
func (w word) locked() bool { return w.lockMode() != LockNone }
func (w word) commitLocked() bool { return w.lockMode() == LockCommit }

func (w word) withLockMode(m LockMode) word {
	return w&^lockMask | word(m)
}

func (w word) withReadBiased(biased bool) word {
	if biased {
		return w | biasBit
	}
	return w &^ biasBit
}

func (w word) withReadonlyCount(n int) word {
	return w&^readonlyMask | word(n)<<readonlyShift&readonlyMask
}

func (w word) withSurplus(n uint64) word {
	if n > MaxSurplus {
		panic(fmt.Sprintf("orec: surplus overflow (%d)", n))
	}
	return w&(1<<surplusShift-1) | word(n)<<surplusShift
}

// ArriveStatus is the bit set returned by arrival and locking.
type ArriveStatus uint8

const (
	ArriveFailure ArriveStatus = 0
	ArriveSuccess ArriveStatus = 1
	// ArriveUnregistered: the arrival is not counted and must not be departed.
	ArriveUnregistered ArriveStatus = 2
	// ArriveConflict: a commit lock was taken while others were arrived (or the
	// orec is read biased); the holder must signal the global conflict counter
	// before publishing.
	ArriveConflict ArriveStatus = 4
)

// Failed reports that nothing was arrived at or locked.
func (s ArriveStatus) Failed() bool { return s&ArriveSuccess == 0 }

// Unregistered reports an arrival on a read biased orec that owes no depart.
func (s ArriveStatus) Unregistered() bool { return s&ArriveUnregistered != 0 }

// Conflicted reports that the caller must signal the global conflict counter.
func (s ArriveStatus) Conflicted() bool { return s&ArriveConflict != 0 }

// Orec is the concurrency-control header of one transactional object. The lock,
// read bias, readonly streak and surplus share a single word so every transition
// is one CAS. The version lives next to it and only moves under a commit lock.
type Orec struct {
	word      atomic.Uint64
	version   atomic.Uint64
	owner     atomic.Uint64
	listeners atomic.Pointer[Listener]
}

// Initialize sets the starting version. It must happen before the orec is shared.
func (o *Orec) Initialize(version uint64) {
	o.version.Store(version)
}

func (o *Orec) load() word {
	return word(o.word.Load())
}

func (o *Orec) cas(old, next word) bool {
	return o.word.CompareAndSwap(uint64(old), uint64(next))
}

// Version is the version of the last committed value.
func (o *Orec) Version() uint64 { return o.version.Load() }

// LockMode is the lock currently held, by anyone.
func (o *Orec) LockMode() LockMode { return o.load().lockMode() }

// IsReadBiased reports whether readers arrive without being counted.
func (o *Orec) IsReadBiased() bool { return o.load().readBiased() }

// ReadonlyCount is the number of read only departs since the last update.
func (o *Orec) ReadonlyCount() int { return o.load().readonlyCount() }

// Surplus is the number of counted arrivals, or 1 on a biased orec with readers.
func (o *Orec) Surplus() uint64 { return o.load().surplus() }

// IsCommitLocked reports whether a commit lock is held.
func (o *Orec) IsCommitLocked() bool { return o.load().commitLocked() }

// LockOwner returns the id of the transaction holding the lock, 0 when unlocked or
// held by a non-transactional operation.
func (o *Orec) LockOwner() uint64 {
	if !o.load().locked() {
		return 0
	}
	return o.owner.Load()
}

func spinWait(spin *int) bool {
	if *spin <= 0 {
		return false
	}
	*spin--
	runtime.Gosched()
	return true
}

// Arrive registers interest in the object. It fails while a commit lock is held
// and the spin budget runs out. On a read biased orec the arrival is not counted.
func (o *Orec) Arrive(spin int) ArriveStatus {
	for {
		cur := o.load()
		if cur.commitLocked() {
			if !spinWait(&spin) {
				return ArriveFailure
			}
			continue
		}

		surplus := cur.surplus()
		if cur.readBiased() {
			if surplus != 0 {
				return ArriveSuccess | ArriveUnregistered
			}
			surplus = 1
		} else {
			surplus++
		}

		if o.cas(cur, cur.withSurplus(surplus)) {
			if cur.readBiased() {
				return ArriveSuccess | ArriveUnregistered
			}
			return ArriveSuccess
		}
	}
}

// TryLockAndArrive arrives and takes mode in one step. It fails if any lock is held
// once the spin budget runs out.
func (o *Orec) TryLockAndArrive(spin int, mode LockMode, owner uint64) ArriveStatus {
	if mode == LockNone {
		return o.Arrive(spin)
	}
	for {
		cur := o.load()
		if cur.locked() {
			if !spinWait(&spin) {
				return ArriveFailure
			}
			continue
		}

		surplus := cur.surplus()
		others := cur.readBiased() || surplus > 0
		if cur.readBiased() {
			if surplus == 0 {
				surplus = 1
			}
		} else {
			surplus++
		}

		if o.cas(cur, cur.withLockMode(mode).withSurplus(surplus)) {
			o.owner.Store(owner)
			status := ArriveSuccess
			if cur.readBiased() {
				status |= ArriveUnregistered
			}
			if others && mode == LockCommit {
				status |= ArriveConflict
			}
			return status
		}
	}
}

// TryLockAfterArrive takes mode for a caller that already arrived. Calling it
// without an outstanding arrival is a bug.
func (o *Orec) TryLockAfterArrive(spin int, mode LockMode, owner uint64) ArriveStatus {
	if mode == LockNone {
		panic("orec: TryLockAfterArrive with LockNone")
	}
	for {
		cur := o.load()
		if !cur.readBiased() && cur.surplus() == 0 {
			panic("orec: lock after arrive without a prior arrive")
		}
		if cur.locked() {
			if !spinWait(&spin) {
				return ArriveFailure
			}
			continue
		}

		others := cur.readBiased() || cur.surplus() > 1
		if o.cas(cur, cur.withLockMode(mode)) {
			o.owner.Store(owner)
			status := ArriveSuccess
			if others && mode == LockCommit {
				status |= ArriveConflict
			}
			return status
		}
	}
}

// UpgradeToCommitLock turns the caller's update lock into a commit lock. It cannot
// fail: nobody else can hold a lock while the update lock is held.
func (o *Orec) UpgradeToCommitLock() ArriveStatus {
	for {
		cur := o.load()
		if cur.lockMode() != LockUpdate {
			panic(fmt.Sprintf("orec: upgrade to commit lock requires an update lock, found %s", cur.lockMode()))
		}
		if !cur.readBiased() && cur.surplus() == 0 {
			panic("orec: upgrade to commit lock without a prior arrive")
		}

		others := cur.readBiased() || cur.surplus() > 1
		if o.cas(cur, cur.withLockMode(LockCommit)) {
			status := ArriveSuccess
			if others {
				status |= ArriveConflict
			}
			return status
		}
	}
}

// DepartAfterReading releases a counted arrival after a committed read. Once the
// readonly streak reaches threshold with nobody left arrived, the orec becomes
// read biased.
func (o *Orec) DepartAfterReading(threshold int) {
	for {
		cur := o.load()
		if cur.readBiased() {
			panic("orec: depart after reading on a read biased orec")
		}
		surplus := cur.surplus()
		if surplus == 0 {
			panic("orec: too many departs")
		}
		surplus--

		readonly := cur.readonlyCount()
		if readonly < MaxReadonlyCount {
			readonly++
		}

		next := cur.withSurplus(surplus).withReadonlyCount(readonly)
		if threshold > 0 && readonly >= threshold && surplus == 0 && !cur.locked() {
			next = next.withReadBiased(true)
		}
		if o.cas(cur, next) {
			return
		}
	}
}

// DepartAfterFailure releases a counted arrival without touching the readonly streak.
func (o *Orec) DepartAfterFailure() {
	for {
		cur := o.load()
		if cur.readBiased() {
			panic("orec: depart after failure on a read biased orec")
		}
		surplus := cur.surplus()
		if surplus == 0 {
			panic("orec: too many departs")
		}
		if o.cas(cur, cur.withSurplus(surplus-1)) {
			return
		}
	}
}

// DepartAfterFailureAndUnlock releases the caller's lock and arrival without a new
// version. On a read biased orec the holder's arrival was not counted.
func (o *Orec) DepartAfterFailureAndUnlock() {
	for {
		cur := o.load()
		if !cur.locked() {
			panic("orec: unlock of an unlocked orec")
		}
		surplus := cur.surplus()
		if !cur.readBiased() {
			if surplus == 0 {
				panic("orec: too many departs")
			}
			surplus--
		}
		if o.cas(cur, cur.withLockMode(LockNone).withSurplus(surplus)) {
			return
		}
	}
}

// CommitVersion installs a new version. The caller must hold the commit lock.
func (o *Orec) CommitVersion(version uint64) {
	if !o.load().commitLocked() {
		panic("orec: version change without a commit lock")
	}
	o.version.Store(version)
}

// DepartAfterUpdateAndUnlock releases the commit lock and the arrival after a new
// version was installed. The readonly streak and read bias are cleared. The
// pending change listeners are detached and returned for the caller to open.
func (o *Orec) DepartAfterUpdateAndUnlock() *Listener {
	for {
		cur := o.load()
		if !cur.commitLocked() {
			panic("orec: depart after update requires a commit lock")
		}
		var surplus uint64
		if !cur.readBiased() {
			surplus = cur.surplus()
			if surplus == 0 {
				panic("orec: too many departs")
			}
			surplus--
		}
		if o.cas(cur, word(0).withSurplus(surplus)) {
			break
		}
	}
	return o.takeListeners()
}

// HasReadConflict reports whether a snapshot taken at version is no longer valid:
// the object was updated since, or someone else holds its commit lock. A caller
// holding a lock on the object itself cannot be in conflict.
func (o *Orec) HasReadConflict(version uint64, held LockMode) bool {
	if held != LockNone {
		return false
	}
	if o.load().commitLocked() {
		return true
	}
	return o.version.Load() != version
}

func (o *Orec) String() string {
	cur := o.load()
	return fmt.Sprintf("orec{version=%d lock=%s surplus=%d readBiased=%v readonly=%d}",
		o.version.Load(), cur.lockMode(), cur.surplus(), cur.readBiased(), cur.readonlyCount())
}
