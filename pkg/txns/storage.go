package txns

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// Shape is the attached-object storage of a transaction.
type Shape int

const (
	// ShapeMono holds a single object.
	ShapeMono Shape = iota
	// ShapeFixed holds up to MaxFixedLengthTxnSize objects, found by linear scan.
	ShapeFixed
	// ShapeGrowable is an open addressed table that doubles when it runs full.
	ShapeGrowable
)

func (s Shape) String() string {
	switch s {
	case ShapeMono:
		return "mono"
	case ShapeFixed:
		return "fixed"
	case ShapeGrowable:
		return "growable"
	default:
		return "unknown"
	}
}

type storage interface {
	find(obj Object) Tranlocal
	// attach reports false when there is no room left.
	attach(tl Tranlocal) bool
	// each visits the attached drafts in attachment order until fn returns false.
	each(fn func(tl Tranlocal) bool)
	size() int
	capacity() int
	reset()
}

func newStorage(shape Shape, fixedLength int) storage {
	switch shape {
	case ShapeMono:
		return &monoStorage{}
	case ShapeFixed:
		return &fixedStorage{slots: make([]Tranlocal, 0, fixedLength)}
	default:
		return newGrowableStorage(initialGrowableLength)
	}
}

type monoStorage struct {
	tl Tranlocal
}

func (s *monoStorage) find(obj Object) Tranlocal {
	if s.tl != nil && s.tl.Metadata().Owner == obj {
		return s.tl
	}
	return nil
}

func (s *monoStorage) attach(tl Tranlocal) bool {
	if s.tl != nil {
		return false
	}
	s.tl = tl
	return true
}

func (s *monoStorage) each(fn func(tl Tranlocal) bool) {
	if s.tl != nil {
		fn(s.tl)
	}
}

func (s *monoStorage) size() int {
	if s.tl == nil {
		return 0
	}
	return 1
}

func (s *monoStorage) capacity() int { return 1 }
func (s *monoStorage) reset()        { s.tl = nil }

type fixedStorage struct {
	slots []Tranlocal
}

func (s *fixedStorage) find(obj Object) Tranlocal {
	for _, tl := range s.slots {
		if tl.Metadata().Owner == obj {
			return tl
		}
	}
	return nil
}

func (s *fixedStorage) attach(tl Tranlocal) bool {
	if len(s.slots) == cap(s.slots) {
		return false
	}
	s.slots = append(s.slots, tl)
	return true
}

func (s *fixedStorage) each(fn func(tl Tranlocal) bool) {
	for _, tl := range s.slots {
		if !fn(tl) {
			return
		}
	}
}

func (s *fixedStorage) size() int     { return len(s.slots) }
func (s *fixedStorage) capacity() int { return cap(s.slots) }

func (s *fixedStorage) reset() {
	for i := range s.slots {
		s.slots[i] = nil
	}
	s.slots = s.slots[:0]
}

const initialGrowableLength = 8

type growableStorage struct {
	table []Tranlocal
	// attachment order, for listener registration and savepoints
	order []Tranlocal
}

func newGrowableStorage(length int) *growableStorage {
	return &growableStorage{table: make([]Tranlocal, length)}
}

func hashObject(obj Object) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], obj.ID())
	return xxhash.Sum64(buf[:])
}

// probe visits the slots for hash in jump order: 0, +1, -1, +2, -2, +4, -4, ...
// up to the table length. fn returns true to stop.
func probe(hash uint64, length int, fn func(idx int) bool) bool {
	mask := uint64(length - 1)
	if fn(int(hash & mask)) {
		return true
	}
	for jump := 1; jump < length; jump <<= 1 {
		if fn(int((hash + uint64(jump)) & mask)) {
			return true
		}
		if fn(int((hash - uint64(jump)) & mask)) {
			return true
		}
	}
	return false
}

func (s *growableStorage) find(obj Object) Tranlocal {
	var found Tranlocal
	probe(hashObject(obj), len(s.table), func(idx int) bool {
		tl := s.table[idx]
		if tl == nil {
			return true
		}
		if tl.Metadata().Owner == obj {
			found = tl
			return true
		}
		return false
	})
	return found
}

func (s *growableStorage) place(tl Tranlocal) bool {
	return probe(hashObject(tl.Metadata().Owner), len(s.table), func(idx int) bool {
		if s.table[idx] == nil {
			s.table[idx] = tl
			return true
		}
		return false
	})
}

func (s *growableStorage) attach(tl Tranlocal) bool {
	for !s.place(tl) {
		s.expand()
	}
	s.order = append(s.order, tl)
	return true
}

func (s *growableStorage) expand() {
	for length := len(s.table) * 2; ; length *= 2 {
		s.table = make([]Tranlocal, length)
		ok := true
		for _, tl := range s.order {
			if !s.place(tl) {
				ok = false
				break
			}
		}
		if ok {
			return
		}
	}
}

func (s *growableStorage) each(fn func(tl Tranlocal) bool) {
	for _, tl := range s.order {
		if !fn(tl) {
			return
		}
	}
}

func (s *growableStorage) size() int     { return len(s.order) }
func (s *growableStorage) capacity() int { return -1 }

func (s *growableStorage) reset() {
	for i := range s.table {
		s.table[i] = nil
	}
	for i := range s.order {
		s.order[i] = nil
	}
	s.order = s.order[:0]
}
