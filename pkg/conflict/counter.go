package conflict

import "go.uber.org/atomic"

// GlobalCounter is bumped by every committer that may have invalidated a reader of
// one of its objects. Readers that see it unchanged since their last check know
// no object they loaded was overwritten in the meantime.
type GlobalCounter struct {
	count atomic.Uint64
}

func NewGlobalCounter() *GlobalCounter {
	return &GlobalCounter{}
}

// SignalConflict must be called before the conflicting update becomes visible.
func (g *GlobalCounter) SignalConflict() {
	g.count.Inc()
}

func (g *GlobalCounter) Count() uint64 {
	return g.count.Load()
}

// LocalCounter is a transaction's snapshot of a GlobalCounter.
type LocalCounter struct {
	global *GlobalCounter
	local  uint64
}

func NewLocalCounter(global *GlobalCounter) *LocalCounter {
	return &LocalCounter{global: global, local: global.Count()}
}

// Reset takes a fresh snapshot; used when a transaction starts an attempt.
func (l *LocalCounter) Reset() {
	l.local = l.global.Count()
}

// SyncAndCheckConflict reports whether the global counter moved since the last
// snapshot and takes a new one. A true result means the reader must validate its
// whole read set.
func (l *LocalCounter) SyncAndCheckConflict() bool {
	cur := l.global.Count()
	if cur == l.local {
		return false
	}
	l.local = cur
	return true
}

func (l *LocalCounter) Get() uint64 {
	return l.local
}

func (l *LocalCounter) Global() *GlobalCounter {
	return l.global
}
