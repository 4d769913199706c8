package sched

import (
	"testing"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/stretchr/testify/assert"
)

func TestFlowTableGetOrCreateIsStable(t *testing.T) {
	ft := NewFlowTable()
	f := netid.Flow{Src: netid.ID(1), Dst: netid.ID(2)}
	a := ft.GetOrCreate(f)
	a.AddBacklog(5)
	b := ft.GetOrCreate(f)
	assert.Same(t, a, b)
	assert.Equal(t, int64(5), b.Backlog())
}

func TestFlowTableDelete(t *testing.T) {
	ft := NewFlowTable()
	f := netid.Flow{Src: netid.ID(1), Dst: netid.ID(2)}
	ft.GetOrCreate(f)
	ft.Delete(f)
	assert.Nil(t, ft.Get(f))
}

func TestBinPushUntilFull(t *testing.T) {
	b := NewBin(2)
	f1 := netid.Flow{Src: netid.ID(1), Dst: netid.ID(2)}
	f2 := netid.Flow{Src: netid.ID(3), Dst: netid.ID(4)}
	f3 := netid.Flow{Src: netid.ID(5), Dst: netid.ID(6)}
	assert.True(t, b.Push(f1))
	assert.True(t, b.Push(f2))
	assert.False(t, b.Push(f3))
	assert.Equal(t, 2, b.Len())

	drained := b.Drain()
	assert.ElementsMatch(t, []netid.Flow{f1, f2}, drained)
	assert.Equal(t, 0, b.Len())
}
