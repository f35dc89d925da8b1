package tcpin

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpmidbox/internal/flowstate"
	"github.com/irctrakz/tcpmidbox/internal/tcpout"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

var (
	clientIP   = net.IPv4(10, 0, 0, 1)
	serverIP   = net.IPv4(10, 0, 0, 2)
	clientPort = uint16(1234)
	serverPort = uint16(80)
)

func buildPacket(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload string) *tcppacket.Packet {
	t.Helper()
	p, err := tcppacket.Build(srcIP, dstIP, srcPort, dstPort, seq, ack, flags, 65535, []byte(payload))
	require.NoError(t, err)
	return p
}

// pair wires up a client-direction and a server-direction TCP-In, each
// paired with its own capturing TCP-Out, sharing one flow-id table - the
// same shape cmd/tcpmidbox wires for a real pipeline.
type pair struct {
	table *flowstate.Table

	clientOut *tcpout.Element
	serverOut *tcpout.Element

	clientIn *Element
	serverIn *Element

	clientEmitted []*tcppacket.Packet
	serverEmitted []*tcppacket.Packet
}

func newPair() *pair {
	table := flowstate.NewTable(2, 8)
	p := &pair{table: table}

	p.clientOut = tcpout.New("tcp-out-0", 0, nil)
	p.clientOut.Emit = func(pkt *tcppacket.Packet) { p.clientEmitted = append(p.clientEmitted, pkt) }
	p.serverOut = tcpout.New("tcp-out-1", 1, nil)
	p.serverOut.Emit = func(pkt *tcppacket.Packet) { p.serverEmitted = append(p.serverEmitted, pkt) }

	p.clientIn = New("tcp-in-0", 0, table, p.clientOut, nil)
	p.serverIn = New("tcp-in-1", 1, table, p.serverOut, nil)
	return p
}

func (p *pair) clientFCB() (*flowstate.FCB, bool) {
	tuple := flowstate.NewFourTuple(clientIP, serverIP, clientPort, serverPort)
	fcb, ok := p.clientIn.localFlows[tuple]
	return fcb, ok
}

// handshake drives the three-way handshake through both directions and
// returns the shared FCB as seen from the client direction.
func (p *pair) handshake(t *testing.T) *flowstate.FCB {
	t.Helper()

	syn := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1000, 0, tcppacket.FlagSYN, "")
	_, ok := p.clientIn.Process(syn)
	require.True(t, ok)

	synAck := buildPacket(t, serverIP, clientIP, serverPort, clientPort, 5000, 1001, tcppacket.FlagSYN|tcppacket.FlagACK, "")
	_, ok = p.serverIn.Process(synAck)
	require.True(t, ok)

	ack := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 5001, tcppacket.FlagACK, "")
	_, ok = p.clientIn.Process(ack)
	require.True(t, ok)

	fcb, ok := p.clientFCB()
	require.True(t, ok)
	return fcb
}

func TestS1_IdentityPassthrough(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	data := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 5001, tcppacket.FlagACK, "HELLOWORLD")
	out, ok := p.clientIn.Process(data)
	require.True(t, ok)

	assert.Equal(t, uint32(1001), out.SequenceNumber())
	assert.Equal(t, uint32(5001), out.AckNumber())
	assert.False(t, out.Dirty())

	assert.Equal(t, uint32(5001), fcb.Common.Maintainers[0].LastAckReceived())
}

func TestS4_LostAckRecovery(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	// The server direction has already acked through 1011 toward the client.
	fcb.Common.Maintainers[1].SetLastAckSent(1011)

	retransmit := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 5001, tcppacket.FlagACK, "HELLOWORLD")
	_, ok := p.clientIn.Process(retransmit)
	assert.False(t, ok, "the stale retransmission itself must be dropped")

	require.Len(t, p.clientEmitted, 1)
	resent := p.clientEmitted[0]
	assert.Equal(t, uint32(1011), resent.AckNumber())
	assert.True(t, resent.IsACK())
}

func TestS6_UnexpectedMidStreamSYNIsDropped(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)
	beforeAck := fcb.Common.Maintainers[0].LastAckReceived()

	strayBySYN := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 2000, 5001, tcppacket.FlagSYN, "")
	_, ok := p.clientIn.Process(strayBySYN)

	assert.False(t, ok)
	assert.Equal(t, beforeAck, fcb.Common.Maintainers[0].LastAckReceived(), "no state should change")
	assert.Equal(t, flowstate.Open, fcb.Common.ClosingStates[0])
}

func TestAssociate_NonSYNFirstPacketIsDropped(t *testing.T) {
	p := newPair()

	stray := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 0, tcppacket.FlagACK, "")
	_, ok := p.clientIn.Process(stray)

	assert.False(t, ok)
}

func TestAssociate_SYNACKWithNoInitiatorIsDropped(t *testing.T) {
	p := newPair()

	synAck := buildPacket(t, serverIP, clientIP, serverPort, clientPort, 5000, 1001, tcppacket.FlagSYN|tcppacket.FlagACK, "")
	_, ok := p.serverIn.Process(synAck)

	assert.False(t, ok)
}

func TestS5_GracefulCloseBothSides(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	packet := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 2000, 6000, tcppacket.FlagACK, "")
	p.clientIn.Close(fcb, packet, true, true)

	assert.True(t, packet.IsFIN())
	assert.True(t, packet.Dirty())
	assert.Equal(t, flowstate.BeingClosedGraceful, fcb.Common.ClosingStates[0])
	assert.Equal(t, flowstate.ClosedGraceful, fcb.Common.ClosingStates[1])

	require.Len(t, p.clientEmitted, 1)
	emitted := p.clientEmitted[0]
	assert.Equal(t, uint32(6000), emitted.SequenceNumber())
	assert.Equal(t, uint32(2001), emitted.AckNumber())
	assert.True(t, emitted.IsFIN())
}

func TestClose_UngracefulSendsRST(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	packet := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 2000, 6000, tcppacket.FlagACK, "")
	p.clientIn.Close(fcb, packet, false, true)

	assert.True(t, packet.IsRST())
	assert.Equal(t, flowstate.BeingClosedUngraceful, fcb.Common.ClosingStates[0])
	assert.Equal(t, flowstate.ClosedUngraceful, fcb.Common.ClosingStates[1])

	require.Len(t, p.clientEmitted, 1)
	assert.True(t, p.clientEmitted[0].IsRST())
}

func TestCheckConnectionClosed_GracefulStillAcksStrayFIN(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)
	fcb.Common.ClosingStates[0] = flowstate.BeingClosedGraceful

	stray := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 2001, 5001, tcppacket.FlagFIN|tcppacket.FlagACK, "")
	_, ok := p.clientIn.Process(stray)

	assert.False(t, ok)
	require.Len(t, p.clientEmitted, 1)
}

func TestRemoveBytesInsertBytes_RecordModificationKeyedByOriginalSeq(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	packet := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 5001, tcppacket.FlagACK, "AAABBBCCC")
	packet.SetContentOffset(0)

	p.clientIn.RemoveBytes(fcb, packet, 3, 3)

	list, ok := fcb.ModificationLists[1001]
	require.True(t, ok)
	assert.False(t, list.Empty())

	var offset, length int64
	list.Each(func(o, l int64) { offset, length = o, l })
	assert.Equal(t, int64(1004), offset)
	assert.Equal(t, int64(-3), length)
}

func TestRequestMorePackets_SendsMappedAck(t *testing.T) {
	p := newPair()
	fcb := p.handshake(t)

	packet := buildPacket(t, clientIP, serverIP, clientPort, serverPort, 1001, 5001, tcppacket.FlagACK, "HELLOWORLD")
	p.clientIn.RequestMorePackets(fcb, packet)

	require.Len(t, p.clientEmitted, 1)
	assert.True(t, p.clientEmitted[0].IsACK())
}
