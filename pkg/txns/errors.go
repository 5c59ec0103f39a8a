package txns

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindDeadTxn Kind = iota + 1
	KindPreparedTxn
	KindReadWriteConflict
	KindLocked
	KindRetry
	KindRetryTimeout
	KindRetryNotAllowed
	KindNoRetryPossible
	KindSpeculativeConfiguration
	KindReadonly
	KindTooManyRetries
	KindPropagation
	KindIllegalState
)

var kindNames = map[Kind]string{
	KindDeadTxn:                  "dead transaction",
	KindPreparedTxn:              "prepared transaction",
	KindReadWriteConflict:        "read/write conflict",
	KindLocked:                   "locked",
	KindRetry:                    "retry",
	KindRetryTimeout:             "retry timeout",
	KindRetryNotAllowed:          "retry not allowed",
	KindNoRetryPossible:          "no retry possible",
	KindSpeculativeConfiguration: "speculative configuration",
	KindReadonly:                 "read only transaction",
	KindTooManyRetries:           "too many retries",
	KindPropagation:              "propagation",
	KindIllegalState:             "illegal state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// fatal kinds carry a stack trace; the others are raised on hot paths.
func (k Kind) fatal() bool {
	switch k {
	case KindReadWriteConflict, KindRetry, KindSpeculativeConfiguration:
		return false
	default:
		return true
	}
}

// Error is every failure raised by a transaction. Two errors match under
// errors.Is when their kinds are equal, so callers compare against the sentinels.
type Error struct {
	Kind   Kind
	TxnID  uint64
	Reason string
	Msg    string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Reason == "" {
		return fmt.Sprintf("txn %d: %s", e.TxnID, msg)
	}
	return fmt.Sprintf("txn %d: %s: %s", e.TxnID, msg, e.Reason)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrDeadTxn                  = &Error{Kind: KindDeadTxn}
	ErrPreparedTxn              = &Error{Kind: KindPreparedTxn}
	ErrReadWriteConflict        = &Error{Kind: KindReadWriteConflict}
	ErrLocked                   = &Error{Kind: KindLocked}
	ErrRetry                    = &Error{Kind: KindRetry}
	ErrRetryTimeout             = &Error{Kind: KindRetryTimeout}
	ErrRetryNotAllowed          = &Error{Kind: KindRetryNotAllowed}
	ErrNoRetryPossible          = &Error{Kind: KindNoRetryPossible}
	ErrSpeculativeConfiguration = &Error{Kind: KindSpeculativeConfiguration}
	ErrReadonly                 = &Error{Kind: KindReadonly}
	ErrTooManyRetries           = &Error{Kind: KindTooManyRetries}
	ErrPropagation              = &Error{Kind: KindPropagation}
	ErrIllegalState             = &Error{Kind: KindIllegalState}
)

// NewError builds an error of kind for the transaction txnID (0 outside a
// transaction).
func NewError(kind Kind, txnID uint64, reason string) error {
	e := &Error{Kind: kind, TxnID: txnID, Reason: reason}
	if kind.fatal() {
		return errors.WithStack(e)
	}
	return e
}

// KindOf returns the kind of err, 0 when err is not a transaction error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether the executor re-runs an attempt that failed with err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindReadWriteConflict, KindSpeculativeConfiguration, KindRetry:
		return true
	default:
		return false
	}
}
