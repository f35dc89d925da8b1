package modlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(l *List) []Node {
	var out []Node
	l.Each(func(offset, length int64) {
		out = append(out, Node{Offset: offset, Length: length})
	})
	return out
}

func TestAddModification_SingleInsertion(t *testing.T) {
	l := New()
	l.AddModification(100, 5)

	got := collect(l)
	assert.Equal(t, []Node{{Offset: 100, Length: 5}}, got)
}

func TestAddModification_SingleDeletion(t *testing.T) {
	l := New()
	l.AddModification(200, -10)

	got := collect(l)
	assert.Equal(t, []Node{{Offset: 200, Length: -10}}, got)
}

func TestAddModification_SameOffsetSums(t *testing.T) {
	l := New()
	l.AddModification(100, -5)
	l.AddModification(100, -2)

	got := collect(l)
	assert.Equal(t, []Node{{Offset: 100, Length: -7}}, got)
}

func TestAddModification_ExactCancelRemovesPair(t *testing.T) {
	l := New()
	l.AddModification(100, -5)
	l.AddModification(100, 5)

	assert.True(t, l.Empty())
}

func TestAddModification_AdjacentDeletionsCoalesce(t *testing.T) {
	l := New()
	l.AddModification(100, -5) // removes [100,105)
	l.AddModification(105, -3) // removes [105,108), adjacent to the first

	got := collect(l)
	assert.Equal(t, []Node{{Offset: 100, Length: -8}}, got)
}

func TestAddModification_AdjacentInsertionsCoalesce(t *testing.T) {
	l := New()
	l.AddModification(100, 5)  // inserts 5 bytes at 100
	l.AddModification(105, 2)  // inserts right after the first insertion

	got := collect(l)
	assert.Equal(t, []Node{{Offset: 100, Length: 7}}, got)
}

func TestAddModification_NonAdjacentDifferentSignKeepsBothSorted(t *testing.T) {
	l := New()
	l.AddModification(500, 5)
	l.AddModification(100, -5)

	got := collect(l)
	assert.Equal(t, []Node{
		{Offset: 100, Length: -5},
		{Offset: 500, Length: 5},
	}, got)
}

func TestAddModification_NonAdjacentSameSignStaysSeparate(t *testing.T) {
	l := New()
	l.AddModification(100, -5)
	l.AddModification(200, -5) // far away, not adjacent

	got := collect(l)
	assert.Equal(t, []Node{
		{Offset: 100, Length: -5},
		{Offset: 200, Length: -5},
	}, got)
}

func TestAddModification_ZeroLengthIsNoOp(t *testing.T) {
	l := New()
	l.AddModification(100, 0)
	assert.True(t, l.Empty())
}

func TestReset_RecyclesNodes(t *testing.T) {
	l := New()
	l.AddModification(100, 5)
	l.AddModification(200, -3)
	l.Reset()

	assert.True(t, l.Empty())

	l.AddModification(1, 1)
	got := collect(l)
	assert.Equal(t, []Node{{Offset: 1, Length: 1}}, got)
}
