package index

import (
	"math/rand"
	"sync"
	"time"

	"simple-stm/pkg/config"
)

type SkipNode[V any] struct {
	Key uint64
	Val V

	Nexts []*SkipNode[V]
	Level int
}

func newSkipNode[V any](key uint64, val V) *SkipNode[V] {
	return &SkipNode[V]{
		Key:   key,
		Val:   val,
		Nexts: make([]*SkipNode[V], config.SkipListMaxLevel),
		Level: 0,
	}
}

// SkipList maps keys to values created on first use. Key 0 is the header and
// cannot be stored. Nodes are never unlinked: a transaction may still hold the
// value of any node it found.
type SkipList[V any] struct {
	Header *SkipNode[V]
	Level  int
	length int
	latch  sync.Mutex
	rand   *rand.Rand
}

func NewSkipList[V any]() *SkipList[V] {
	var zero V
	return &SkipList[V]{
		Header: newSkipNode(0, zero),
		Level:  0,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// seek returns the last node with a key below key, filling updates per level
// when it is not nil.
func (s *SkipList[V]) seek(key uint64, updates []*SkipNode[V]) *SkipNode[V] {
	node := s.Header
	for i := s.Level; i >= 0; i-- {
		for node.Nexts[i] != nil && node.Nexts[i].Key < key {
			node = node.Nexts[i]
		}
		if updates != nil {
			updates[i] = node
		}
	}
	return node
}

func (s *SkipList[V]) Get(key uint64) (V, bool) {
	var zero V
	if key == 0 {
		return zero, false
	}

	s.latch.Lock()
	defer s.latch.Unlock()

	node := s.seek(key, nil).Nexts[0]
	if node == nil || node.Key != key {
		return zero, false
	}
	return node.Val, true
}

// MustGet returns the value of key, storing create() first if key is missing.
// create runs under the list latch.
func (s *SkipList[V]) MustGet(key uint64, create func() V) V {
	if key == 0 {
		panic("index: key 0 is reserved")
	}

	s.latch.Lock()
	defer s.latch.Unlock()

	updates := make([]*SkipNode[V], config.SkipListMaxLevel)
	node := s.seek(key, updates).Nexts[0]
	if node != nil && node.Key == key {
		return node.Val
	}

	newNode := newSkipNode(key, create())
	newNode.Level = s.randomLevel()
	if newNode.Level > s.Level {
		for i := s.Level + 1; i <= newNode.Level; i++ {
			updates[i] = s.Header
		}
		s.Level = newNode.Level
		s.Header.Level = newNode.Level
	}

	for i := 0; i <= newNode.Level; i++ {
		newNode.Nexts[i] = updates[i].Nexts[i]
		updates[i].Nexts[i] = newNode
	}
	s.length++
	return newNode.Val
}

// Scan returns up to count nodes in key order, starting from the first key >= key.
func (s *SkipList[V]) Scan(key uint64, count int) []*SkipNode[V] {
	s.latch.Lock()
	defer s.latch.Unlock()

	node := s.seek(key, nil).Nexts[0]
	var result []*SkipNode[V]
	for node != nil && count > 0 {
		result = append(result, node)
		node = node.Nexts[0]
		count--
	}
	return result
}

func (s *SkipList[V]) Len() int {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.length
}

func (s *SkipList[V]) randomLevel() int {
	level := 0
	for s.rand.Float64() < config.SkipListProp && level < config.SkipListMaxLevel-1 {
		level++
	}
	return level
}
