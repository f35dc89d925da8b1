package rewrite

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

// capturingNext records every packet pushed to it, standing in for a
// TCP-Out at the end of the chain.
type capturingNext struct {
	stack.NoOpElement
	received []*tcppacket.Packet
}

func (c *capturingNext) Name() string { return "capturing" }
func (c *capturingNext) ProcessPacket(_ stack.FCB, p *tcppacket.Packet) (*tcppacket.Packet, bool) {
	c.received = append(c.received, p)
	return p, true
}

func buildPacket(t *testing.T, seq uint32, payload string) *tcppacket.Packet {
	t.Helper()
	p, err := tcppacket.Build(
		net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2),
		1234, 80, seq, 1, tcppacket.FlagACK, 65535, []byte(payload),
	)
	require.NoError(t, err)
	return p
}

func TestProcessPacket_NoMatchForwardsImmediately(t *testing.T) {
	next := &capturingNext{}
	e := New("rewrite", []byte("XXX"), []byte("YYY"), nil)
	e.Next = next

	p := buildPacket(t, 100, "hello world")
	e.ProcessPacket(fakeFCB{"flow-A"}, p)

	require.Len(t, next.received, 1)
	assert.Equal(t, "hello world", string(next.received[0].Payload()))
}

func TestProcessPacket_MatchWithinOnePacketRewrites(t *testing.T) {
	next := &capturingNext{}
	e := New("rewrite", []byte("BBB"), []byte("Z"), nil)
	e.Next = next

	p := buildPacket(t, 100, "AAABBBCCC")
	e.ProcessPacket(fakeFCB{"flow-A"}, p)

	require.Len(t, next.received, 1)
	assert.Equal(t, "AAAZCCC", string(next.received[0].Payload()))
}

func TestProcessPacket_MatchSpanningPacketsRequestsMoreThenRewrites(t *testing.T) {
	next := &capturingNext{}
	var requestedMore int
	e := New("rewrite", []byte("OOBA"), []byte("OOXYZBA"), nil)
	e.Next = next
	e.RequestMore = func(_ stack.FCB, _ *tcppacket.Packet) { requestedMore++ }

	fcb := fakeFCB{"flow-A"}
	p1 := buildPacket(t, 100, "FOO")
	e.ProcessPacket(fcb, p1)
	assert.Equal(t, 1, requestedMore, "a trailing partial match (\"OO\") should ask for more data")
	assert.Empty(t, next.received)

	p2 := buildPacket(t, 103, "BAR")
	e.ProcessPacket(fcb, p2)

	require.Len(t, next.received, 2)
	assert.Equal(t, "FOO", string(next.received[0].Payload()))
	assert.Equal(t, "XYZBAR", string(next.received[1].Payload()))
}

func TestCloseConnection_DropsBuffer(t *testing.T) {
	e := New("rewrite", []byte("OOBA"), []byte("X"), nil)
	fcb := fakeFCB{"flow-A"}

	e.ProcessPacket(fcb, buildPacket(t, 100, "FOO"))
	assert.Len(t, e.buffers, 1)

	e.CloseConnection(fcb, true, true)
	assert.Len(t, e.buffers, 0)
}
