package txns

import "simple-stm/pkg/orec"

// Status is what a transaction does with one attached object.
type Status uint8

const (
	Readonly Status = iota
	Update
	// Commuting: only deferred functions, nothing loaded yet.
	Commuting
	// Constructing: a new object that becomes visible when the transaction commits.
	Constructing
)

func (s Status) String() string {
	switch s {
	case Readonly:
		return "readonly"
	case Update:
		return "update"
	case Commuting:
		return "commuting"
	case Constructing:
		return "constructing"
	default:
		return "unknown"
	}
}

// Object is a transactional object: anything with an orec that can hand out
// drafts of itself.
type Object interface {
	Orec() *orec.Orec
	ID() uint64
	Env() *Env
	NewTranlocal() Tranlocal
}

// Meta is the untyped part of a draft that the transaction drives.
type Meta struct {
	Owner    Object
	Status   Status
	Version  uint64
	LockMode orec.LockMode
	// HasDepartObligation is set while the transaction holds a counted arrival.
	HasDepartObligation bool
	IsDirty             bool
	WriteSkewCheck      bool
}

func (m *Meta) Metadata() *Meta {
	return m
}

// Tranlocal is a transaction's private draft of one object.
type Tranlocal interface {
	Metadata() *Meta
	// Load copies a consistent committed snapshot into the draft and records its
	// version. It gives up after spin busy retries on a commit locked object.
	Load(spin int) bool
	// Dirty reports whether the working value differs from the loaded one.
	Dirty() bool
	// Publish installs the working value under version. The commit lock is held.
	Publish(version uint64)
	// ApplyCommutes runs the deferred functions over the loaded value in order.
	ApplyCommutes()
	HasCommutes() bool
	Checkpoint() any
	// Rollback restores a checkpoint; nil reverts the draft to what was loaded.
	Rollback(cp any)
}
