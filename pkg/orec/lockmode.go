package orec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LockMode is the lock a transaction holds on an object. Modes are ordered: a
// request for a mode is satisfied by any mode at least as strong.
type LockMode uint8

const (
	// LockNone takes no lock; conflicts are found by validation.
	LockNone LockMode = iota
	// LockUpdate keeps other writers and lockers out but lets readers arrive.
	LockUpdate
	// LockCommit is exclusive: nobody may arrive while it is held.
	LockCommit
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockUpdate:
		return "update"
	case LockCommit:
		return "commit"
	default:
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
}

func (m LockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LockMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none", "":
		*m = LockNone
	case "update", "write":
		*m = LockUpdate
	case "commit", "exclusive":
		*m = LockCommit
	default:
		return errors.Errorf("unknown lock mode %q", string(text))
	}
	return nil
}
