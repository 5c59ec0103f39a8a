package engines

import (
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"simple-stm/pkg/config"
	"simple-stm/pkg/index"
	"simple-stm/pkg/txns"
	"simple-stm/pkg/values"
)

var ErrNotFound = errors.New("no such key")

// Entry is the committed state of one key. A deleted key keeps its reference
// with Present unset, so readers that saw it can wait for it to come back.
type Entry struct {
	Val     string
	Present bool
}

type StringEngine struct {
	*Engine
	Index *index.SkipList[*values.Ref[Entry]]
}

func NewStringEngine(cfg *config.Config, reg prometheus.Registerer) (*StringEngine, error) {
	e, err := NewEngine(cfg, reg)
	if err != nil {
		return nil, err
	}
	return &StringEngine{
		Engine: e,
		Index:  index.NewSkipList[*values.Ref[Entry]](),
	}, nil
}

func hash(key string) uint64 {
	h := xxhash.Sum64String(key)
	if h == 0 {
		h = 1
	}
	return h
}

// ref returns the reference of key, creating an absent entry when there is none.
// Directory entries are created outside of any transaction so concurrent
// writers of a new key meet on the same reference.
func (e *StringEngine) ref(key string) *values.Ref[Entry] {
	return e.Index.MustGet(hash(key), func() *values.Ref[Entry] {
		return NewRef(e.Engine, Entry{})
	})
}

// Get reads key. A missing key is read through an absent entry so that a
// transaction deciding on its absence conflicts with a concurrent insert.
func (e *StringEngine) Get(txn *txns.Txn, key string) (string, error) {
	entry, err := e.ref(key).Get(txn)
	if err != nil {
		return "", err
	}
	if !entry.Present {
		return "", errors.Wrapf(ErrNotFound, "get %q", key)
	}
	return entry.Val, nil
}

func (e *StringEngine) Put(txn *txns.Txn, key string, value string) error {
	return e.ref(key).Set(txn, Entry{Val: value, Present: true})
}

func (e *StringEngine) Del(txn *txns.Txn, key string) error {
	ref, ok := e.Index.Get(hash(key))
	if !ok {
		return nil
	}
	return ref.Set(txn, Entry{})
}

// Scan returns up to count present values in index order, starting from the
// first entry at or after key.
func (e *StringEngine) Scan(txn *txns.Txn, key string, count int) (res []string, err error) {
	from := hash(key)
	for count > 0 {
		nodes := e.Index.Scan(from, count)
		if len(nodes) == 0 {
			return res, nil
		}
		for _, node := range nodes {
			entry, err := node.Val.Get(txn)
			if err != nil {
				return nil, err
			}
			if entry.Present {
				res = append(res, entry.Val)
				count--
			}
		}
		last := nodes[len(nodes)-1].Key
		if last == ^uint64(0) {
			return res, nil
		}
		from = last + 1
	}
	return res, nil
}

// Await asks for a retry until key holds value. Inside Atomic the block then
// sleeps until a writer changes key.
func (e *StringEngine) Await(txn *txns.Txn, key string, value string) error {
	return e.ref(key).Await(txn, Entry{Val: value, Present: true})
}

