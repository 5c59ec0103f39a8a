package txns

type Event int

const (
	PrePrepare Event = iota
	PostCommit
	PostAbort
)

func (e Event) String() string {
	switch e {
	case PrePrepare:
		return "pre-prepare"
	case PostCommit:
		return "post-commit"
	case PostAbort:
		return "post-abort"
	default:
		return "unknown"
	}
}

// Listener is notified of lifecycle events of a transaction.
type Listener interface {
	Notify(tx *Txn, e Event)
}

type ListenerFunc func(tx *Txn, e Event)

func (f ListenerFunc) Notify(tx *Txn, e Event) {
	f(tx, e)
}

func (tx *Txn) notify(e Event) {
	for _, l := range tx.cfg.PermanentListeners {
		l.Notify(tx, e)
	}
	for _, l := range tx.listeners {
		l.Notify(tx, e)
	}
}
