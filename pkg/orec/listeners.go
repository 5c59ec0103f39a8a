package orec

import "simple-stm/pkg/latch"

// RegisterStatus is the outcome of RegisterChangeListener.
type RegisterStatus int

const (
	// RegisterDone means the listener is queued and will be opened by the next update.
	RegisterDone RegisterStatus = iota
	// RegisterNotNeeded means the object already changed; the latch has been opened.
	RegisterNotNeeded
)

// Listener is one registration on an orec: the latch of a blocked transaction and
// the era it was registered for.
type Listener struct {
	latch *latch.Latch
	era   uint64
	next  *Listener
}

// OpenAll opens every latch of the chain starting at l.
func (l *Listener) OpenAll() {
	for ; l != nil; l = l.next {
		l.latch.Open(l.era)
	}
}

// RegisterChangeListener queues l to be opened on the next committed update of the
// object. version is the version the blocked transaction has seen; if the object
// already moved past it the latch is opened immediately.
func (o *Orec) RegisterChangeListener(l *latch.Latch, era uint64, version uint64) RegisterStatus {
	if o.version.Load() != version {
		l.Open(era)
		return RegisterNotNeeded
	}

	node := &Listener{latch: l, era: era}
	for {
		head := o.listeners.Load()
		node.next = head
		if o.listeners.CompareAndSwap(head, node) {
			break
		}
	}

	// an update may have taken the list just before the push
	if o.version.Load() != version {
		l.Open(era)
		return RegisterNotNeeded
	}
	return RegisterDone
}

// HasListeners reports whether any registration is pending.
func (o *Orec) HasListeners() bool {
	return o.listeners.Load() != nil
}

func (o *Orec) takeListeners() *Listener {
	return o.listeners.Swap(nil)
}
