package flowbuffer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

type fakeFCB struct{ key string }

func (f fakeFCB) FlowKey() string { return f.key }

// recordingOwner tracks RemoveBytes/InsertBytes calls so tests can assert
// the flow buffer notified its owning stack element.
type recordingOwner struct {
	stack.NoOpElement
	removed []int
	inserted []int
}

func (o *recordingOwner) Name() string { return "recording" }
func (o *recordingOwner) RemoveBytes(_ stack.FCB, _ *tcppacket.Packet, position, length int) {
	o.removed = append(o.removed, position, length)
}
func (o *recordingOwner) InsertBytes(_ stack.FCB, _ *tcppacket.Packet, position, length int) {
	o.inserted = append(o.inserted, position, length)
}

func buildPacket(t *testing.T, seq uint32, payload string) *tcppacket.Packet {
	t.Helper()
	p, err := tcppacket.Build(
		net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2),
		1234, 80,
		seq, 1,
		tcppacket.FlagACK, 65535,
		[]byte(payload),
	)
	require.NoError(t, err)
	return p
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	b := New()
	p1 := buildPacket(t, 100, "AAA")
	p2 := buildPacket(t, 103, "BBB")
	b.Enqueue(p1)
	b.Enqueue(p2)

	assert.Equal(t, 2, b.Size())
	assert.Same(t, p1, b.Dequeue())
	assert.Same(t, p2, b.Dequeue())
	assert.Nil(t, b.Dequeue())
}

func TestDequeueAll(t *testing.T) {
	b := New()
	p1 := buildPacket(t, 100, "AAA")
	p2 := buildPacket(t, 103, "BBB")
	b.Enqueue(p1)
	b.Enqueue(p2)

	all := b.DequeueAll()
	assert.Equal(t, []*tcppacket.Packet{p1, p2}, all)
	assert.Equal(t, 0, b.Size())
}

func TestDequeueUpTo_ExcludesTarget(t *testing.T) {
	b := New()
	p1 := buildPacket(t, 100, "AAA")
	p2 := buildPacket(t, 103, "BBB")
	p3 := buildPacket(t, 106, "CCC")
	b.Enqueue(p1)
	b.Enqueue(p2)
	b.Enqueue(p3)

	before := b.DequeueUpTo(p2)
	assert.Equal(t, []*tcppacket.Packet{p1}, before)
	assert.Equal(t, 2, b.Size())
}

func TestSearchInFlow_WithinSinglePacket(t *testing.T) {
	b := New()
	b.Enqueue(buildPacket(t, 100, "hello world"))

	assert.Equal(t, Found, b.SearchInFlow([]byte("world")))
	assert.Equal(t, NotFound, b.SearchInFlow([]byte("xyz")))
}

func TestSearchInFlow_SpansPacketBoundary(t *testing.T) {
	b := New()
	b.Enqueue(buildPacket(t, 100, "foo BA"))
	b.Enqueue(buildPacket(t, 106, "R baz"))

	// "BAR" spans the two packets.
	assert.Equal(t, Found, b.SearchInFlow([]byte("BAR")))
}

func TestSearchInFlow_NeedMoreWhenPrefixMatchesTail(t *testing.T) {
	b := New()
	b.Enqueue(buildPacket(t, 100, "foo BA"))

	// "BAR" is not present but "BA" is a prefix match against the tail.
	assert.Equal(t, NeedMore, b.SearchInFlow([]byte("BAR")))
}

func TestRemoveInFlow_DeletesWithinOnePacket(t *testing.T) {
	b := New()
	p := buildPacket(t, 100, "hello world")
	b.Enqueue(p)
	owner := &recordingOwner{}
	fcb := fakeFCB{key: "flow-1"}

	result := b.RemoveInFlow(fcb, []byte("world"), owner)
	assert.Equal(t, Found, result)
	assert.Equal(t, "hello ", string(p.Payload()))
	assert.NotEmpty(t, owner.removed)
}

func TestRemoveInFlow_SpansPacketBoundary(t *testing.T) {
	b := New()
	p1 := buildPacket(t, 100, "foo BA")
	p2 := buildPacket(t, 106, "R baz")
	b.Enqueue(p1)
	b.Enqueue(p2)
	owner := &recordingOwner{}
	fcb := fakeFCB{key: "flow-1"}

	result := b.RemoveInFlow(fcb, []byte("BAR"), owner)
	assert.Equal(t, Found, result)
	assert.Equal(t, "foo ", string(p1.Payload()))
	assert.Equal(t, " baz", string(p2.Payload()))
	assert.Len(t, owner.removed, 4) // two packets, each a (position,length) pair
}

func TestReplaceInFlow_SameLength(t *testing.T) {
	b := New()
	p := buildPacket(t, 100, "hello world")
	b.Enqueue(p)
	owner := &recordingOwner{}
	fcb := fakeFCB{key: "flow-1"}

	result := b.ReplaceInFlow(fcb, []byte("world"), []byte("earth"), owner)
	assert.Equal(t, Found, result)
	assert.Equal(t, "hello earth", string(p.Payload()))
	assert.Empty(t, owner.removed)
	assert.Empty(t, owner.inserted)
}

func TestReplaceInFlow_ShorterReplacementRemovesTail(t *testing.T) {
	b := New()
	p := buildPacket(t, 100, "hello world")
	b.Enqueue(p)
	owner := &recordingOwner{}
	fcb := fakeFCB{key: "flow-1"}

	result := b.ReplaceInFlow(fcb, []byte("world"), []byte("w"), owner)
	assert.Equal(t, Found, result)
	assert.Equal(t, "hello w", string(p.Payload()))
	assert.NotEmpty(t, owner.removed)
}

func TestReplaceInFlow_LongerReplacementInserts(t *testing.T) {
	b := New()
	p := buildPacket(t, 100, "hello world")
	b.Enqueue(p)
	owner := &recordingOwner{}
	fcb := fakeFCB{key: "flow-1"}

	result := b.ReplaceInFlow(fcb, []byte("world"), []byte("wonderful world"), owner)
	assert.Equal(t, Found, result)
	assert.Equal(t, "hello wonderful world", string(p.Payload()))
	assert.NotEmpty(t, owner.inserted)
}

func TestContentIter_SkipsEmptyPackets(t *testing.T) {
	b := New()
	b.Enqueue(buildPacket(t, 100, "AB"))
	b.Enqueue(buildPacket(t, 102, "")) // zero-payload packet (e.g. a bare ACK)
	b.Enqueue(buildPacket(t, 102, "CD"))

	it := b.ContentBegin(0)
	var collected []byte
	for !it.Done() {
		collected = append(collected, it.Byte())
		it = it.Next()
	}
	assert.Equal(t, "ABCD", string(collected))
}
