package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simple-stm/pkg/orec"
)

type stubObject struct {
	o  orec.Orec
	id uint64
}

func (s *stubObject) Orec() *orec.Orec { return &s.o }
func (s *stubObject) ID() uint64       { return s.id }
func (s *stubObject) Env() *Env        { return nil }

func (s *stubObject) NewTranlocal() Tranlocal {
	tl := &stubTranlocal{}
	tl.Owner = s
	return tl
}

type stubTranlocal struct {
	Meta
}

func (tl *stubTranlocal) Load(int) bool     { return true }
func (tl *stubTranlocal) Dirty() bool       { return false }
func (tl *stubTranlocal) Publish(uint64)    {}
func (tl *stubTranlocal) ApplyCommutes()    {}
func (tl *stubTranlocal) HasCommutes() bool { return false }
func (tl *stubTranlocal) Checkpoint() any   { return nil }
func (tl *stubTranlocal) Rollback(any)      {}

func stubs(n int) []*stubObject {
	objs := make([]*stubObject, n)
	for i := range objs {
		objs[i] = &stubObject{id: uint64(i + 1)}
	}
	return objs
}

func TestMonoStorage(t *testing.T) {
	s := newStorage(ShapeMono, 4)
	objs := stubs(2)

	assert.Nil(t, s.find(objs[0]))
	tl := objs[0].NewTranlocal()
	require.True(t, s.attach(tl))
	assert.Same(t, tl, s.find(objs[0]))
	assert.Nil(t, s.find(objs[1]))
	assert.False(t, s.attach(objs[1].NewTranlocal()))
	assert.Equal(t, 1, s.size())

	s.reset()
	assert.Equal(t, 0, s.size())
	assert.Nil(t, s.find(objs[0]))
}

func TestFixedStorage(t *testing.T) {
	s := newStorage(ShapeFixed, 3)
	objs := stubs(4)

	for _, obj := range objs[:3] {
		require.True(t, s.attach(obj.NewTranlocal()))
	}
	assert.False(t, s.attach(objs[3].NewTranlocal()))
	assert.Equal(t, 3, s.size())
	assert.Equal(t, 3, s.capacity())

	var seen []uint64
	s.each(func(tl Tranlocal) bool {
		seen = append(seen, tl.Metadata().Owner.ID())
		return true
	})
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	seen = seen[:0]
	s.each(func(tl Tranlocal) bool {
		seen = append(seen, tl.Metadata().Owner.ID())
		return false
	})
	assert.Equal(t, []uint64{1}, seen)

	s.reset()
	require.True(t, s.attach(objs[3].NewTranlocal()))
	assert.Nil(t, s.find(objs[0]))
}

func TestGrowableStorage(t *testing.T) {
	s := newStorage(ShapeGrowable, 4).(*growableStorage)
	objs := stubs(1000)

	drafts := make(map[uint64]Tranlocal, len(objs))
	for i, obj := range objs {
		tl := obj.NewTranlocal()
		drafts[obj.id] = tl
		require.True(t, s.attach(tl))
		assert.Equal(t, i+1, s.size())
	}
	assert.GreaterOrEqual(t, len(s.table), len(objs))
	assert.Equal(t, -1, s.capacity())

	for _, obj := range objs {
		assert.Same(t, drafts[obj.id], s.find(obj), "object %d", obj.id)
	}
	assert.Nil(t, s.find(&stubObject{id: 5000}))

	i := 0
	s.each(func(tl Tranlocal) bool {
		assert.Equal(t, objs[i].id, tl.Metadata().Owner.ID())
		i++
		return true
	})
	assert.Equal(t, len(objs), i)

	length := len(s.table)
	s.reset()
	assert.Equal(t, 0, s.size())
	assert.Equal(t, length, len(s.table))
	for _, obj := range objs {
		assert.Nil(t, s.find(obj))
	}
}

func TestProbeVisitsInJumpOrder(t *testing.T) {
	var idx []int
	probe(5, 16, func(i int) bool {
		idx = append(idx, i)
		return false
	})
	assert.Equal(t, []int{5, 6, 4, 7, 3, 9, 1, 13, 13}, idx)
}
