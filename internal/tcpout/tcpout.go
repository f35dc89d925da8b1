// Package tcpout implements the TCP-Out emitter: the downstream half of a
// TCP-In/TCP-Out pair that applies pending modifications to the ByteStream
// Maintainer, rewrites the sequence number, finalizes the checksum of any
// dirty packet, and hands the result to the pipeline's egress sink.
package tcpout

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpmidbox/internal/flowstate"
	"github.com/irctrakz/tcpmidbox/internal/maintainer"
	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

// defaultWindow is used when crafting a bare ACK/RST/FIN packet that has no
// payload of its own to size a window around.
const defaultWindow = 65535

// Element is one direction's TCP-Out. It implements stack.Element so a
// pipeline's stack.Chain can walk it like any other layer, and it also
// exposes SendAck/SendClosingPacket for TCP-In to synthesize packets that
// never flow through the normal chain.
type Element struct {
	stack.NoOpElement

	name          string
	flowDirection int
	log           *logrus.Entry

	// Emit hands a finished, checksummed packet to whatever sits below the
	// pipeline (a raw socket, a tun device, or - in tests - a capturing
	// slice). It stands in for the external IP-layer collaborator the spec
	// treats as outside the middlebox core.
	Emit func(*tcppacket.Packet)
}

// New constructs a TCP-Out for the given flow direction.
func New(name string, flowDirection int, log *logrus.Entry) *Element {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Element{name: name, flowDirection: flowDirection, log: log}
}

// Name identifies this element for logging and diagnostics.
func (e *Element) Name() string { return e.name }

// ProcessPacket folds the packet's pending modification list into the
// ByteStream Maintainer, rewrites the sequence number, recomputes the
// checksum if the packet is dirty, records the ack this direction just
// sent, and emits.
func (e *Element) ProcessPacket(fcbIface stack.FCB, packet *tcppacket.Packet) (*tcppacket.Packet, bool) {
	fcb, ok := fcbIface.(*flowstate.FCB)
	if !ok {
		e.log.Error("tcpout: fcb is not a *flowstate.FCB")
		return nil, false
	}

	m := fcb.Common.Maintainers[e.flowDirection]

	origSeq := packet.SequenceNumber()
	if list, ok := fcb.ModificationLists[origSeq]; ok && !list.Empty() && !list.Applied() {
		list.Each(func(offset, length int64) {
			m.InsertModification(uint32(offset), length)
		})
		list.MarkApplied()
	}

	if mapped := m.MapSeq(origSeq); mapped != origSeq {
		packet.SetSequenceNumber(mapped)
		packet.SetDirty(true)
	}

	if packet.Dirty() {
		if err := packet.RecomputeChecksum(); err != nil {
			e.log.WithError(err).Warn("tcpout: failed to recompute checksum, dropping packet")
			return nil, false
		}
	}

	if packet.IsACK() {
		m.SetLastAckSent(packet.AckNumber())
	}

	if e.Emit != nil {
		e.Emit(packet)
	}
	return packet, true
}

// SendAck crafts a bare ACK segment and emits it, recording the ack value
// on m as this direction's newly sent ack.
func (e *Element) SendAck(m *maintainer.ByteStreamMaintainer, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32) error {
	packet, err := tcppacket.Build(srcIP, dstIP, srcPort, dstPort, seq, ack, tcppacket.FlagACK, defaultWindow, nil)
	if err != nil {
		return fmt.Errorf("tcpout: craft ack: %w", err)
	}
	m.SetLastAckSent(ack)
	if e.Emit != nil {
		e.Emit(packet)
	}
	return nil
}

// SendClosingPacket crafts a FIN (graceful) or RST (ungraceful) segment
// carrying seq/ack and emits it.
func (e *Element) SendClosingPacket(m *maintainer.ByteStreamMaintainer, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, graceful bool) error {
	flags := tcppacket.FlagRST
	if graceful {
		flags = tcppacket.FlagFIN | tcppacket.FlagACK
	}
	packet, err := tcppacket.Build(srcIP, dstIP, srcPort, dstPort, seq, ack, flags, defaultWindow, nil)
	if err != nil {
		return fmt.Errorf("tcpout: craft closing packet: %w", err)
	}
	m.SetLastAckSent(ack)
	if e.Emit != nil {
		e.Emit(packet)
	}
	return nil
}
