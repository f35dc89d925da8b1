// Package tcpin implements the TCP-In connection tracker: the upstream half
// of a TCP-In/TCP-Out pair that associates every packet with its Flow
// Control Block, maps the ack field into the opposite direction's original
// numberspace, detects redundant and lost acks, and drives the per-direction
// closing state machine.
//
// The algorithm is grounded directly on the retrieval pack's
// original_source/elements/middlebox/tcpin.cc: processPacket's ack-handling
// block, closeConnection's flag/state transitions, and assignTCPCommon's
// initiator-allocates/responder-looks-up handshake pairing.
package tcpin

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpmidbox/internal/flowstate"
	"github.com/irctrakz/tcpmidbox/internal/modlist"
	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/internal/tcpout"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

// GracePeriod is how long a closed connection's FCB is kept around before
// its TcpCommon is released back to the pool, covering a straggling
// retransmission of the final ACK (2*MSL, per the data model's lifetimes).
const GracePeriod = 60 * time.Second

// Element is one direction's TCP-In. Its ProcessPacket hook (embedded via
// NoOpElement) is a pass-through: the real per-packet algorithm runs in
// Process, which the dispatcher calls before a packet ever enters a
// stack.Chain walk, since TCP-In's job is to establish and validate the FCB
// the rest of the chain will be handed.
type Element struct {
	stack.NoOpElement

	name          string
	flowDirection int
	table         *flowstate.Table
	out           *tcpout.Element
	log           *logrus.Entry

	// Chain, if set, is notified of CloseConnection so every element
	// holding per-flow state (e.g. a flow buffer) can react.
	Chain *stack.Chain

	// localFlows is this direction's own four-tuple -> FCB cache. It is
	// touched only from the single worker goroutine the dispatcher's
	// connection-affinity routing pins this flow to, so no lock guards it.
	localFlows map[flowstate.FourTuple]*flowstate.FCB
}

// New constructs a TCP-In for one direction, paired with the TCP-Out that
// emits the ACKs and closing packets it crafts out-of-band.
func New(name string, flowDirection int, table *flowstate.Table, out *tcpout.Element, log *logrus.Entry) *Element {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Element{
		name:          name,
		flowDirection: flowDirection,
		table:         table,
		out:           out,
		log:           log,
		localFlows:    make(map[flowstate.FourTuple]*flowstate.FCB),
	}
}

// Name identifies this element for logging and diagnostics.
func (e *Element) Name() string { return e.name }

// lessSeq is a plain uint32 comparison: within one connection's lifetime a
// wraparound-safe SEQ_LT is not modeled, matching the data model's
// documented simplification.
func lessSeq(a, b uint32) bool { return a < b }

// Process runs the full TCP-In algorithm for one packet of this direction:
// flow association, lost-ack detection, and ack mapping/pruning/redundancy
// checks. The caller forwards a true result onward through the pipeline's
// stack.Chain; a false result means the packet was already handled (an ack
// was re-sent) or must be dropped.
func (e *Element) Process(raw *tcppacket.Packet) (*tcppacket.Packet, bool) {
	tuple := flowstate.NewFourTuple(raw.SourceIP(), raw.DestinationIP(), raw.SourcePort(), raw.DestinationPort())

	fcb, ok := e.localFlows[tuple]
	if !ok {
		newFCB, err := e.associate(tuple, raw)
		if err != nil {
			e.log.WithError(err).Warn("tcpin: dropping packet, could not associate connection state")
			return nil, false
		}
		fcb = newFCB
		e.localFlows[tuple] = fcb
	} else if raw.IsSYN() {
		e.log.Warn("tcpin: unexpected SYN on an established flow, dropping")
		return nil, false
	}

	if !e.checkConnectionClosed(fcb, raw) {
		return nil, false
	}

	opp := 1 - e.flowDirection
	oppM := fcb.Common.Maintainers[opp]
	oppR := fcb.Common.Retransmission[opp]

	packet := raw.Clone()

	seq := packet.SequenceNumber()
	if !packet.IsSYN() && lessSeq(seq, oppM.LastAckSent()) {
		e.log.Warn("tcpin: lost ack detected, resending")
		e.ackPacket(fcb, packet, false)
		return nil, false
	}

	if packet.IsACK() {
		thisM := fcb.Common.Maintainers[e.flowDirection]

		ack := packet.AckNumber()
		newAck := oppM.MapAck(ack)
		thisM.SetLastAckReceived(ack)
		oppM.Prune(ack)
		oppR.SignalAck(ack)

		if packet.IsJustAnAck() && lessSeq(newAck, thisM.LastAckSent()) {
			return nil, false
		}

		if newAck != ack {
			packet.SetAckNumber(newAck)
			packet.SetDirty(true)
		}
	}

	return packet, true
}

// associate handles the handshake pairing: a bare SYN allocates a fresh FCB
// as the initiator, a SYN+ACK looks up the initiator's FCB by the reversed
// four-tuple as the responder.
func (e *Element) associate(tuple flowstate.FourTuple, packet *tcppacket.Packet) (*flowstate.FCB, error) {
	if !packet.IsSYN() {
		return nil, fmt.Errorf("tcpin: first packet of a new flow is not a SYN")
	}

	var fcb *flowstate.FCB
	if packet.IsACK() {
		found, ok := e.table.LookupResponder(tuple)
		if !ok {
			return nil, fmt.Errorf("tcpin: no initiator flow found for responder tuple")
		}
		fcb = found
	} else {
		fcb = e.table.AllocateInitiator(tuple)
	}

	m := fcb.Common.Maintainers[e.flowDirection]
	m.SetIPSrc(packet.SourceIP())
	m.SetIPDst(packet.DestinationIP())
	m.SetPortSrc(packet.SourcePort())
	m.SetPortDst(packet.DestinationPort())

	opp := 1 - e.flowDirection
	oppR := fcb.Common.Retransmission[opp]
	oppR.OnRetransmitRequested = func() { e.retransmitAckForOpposite(fcb) }

	return fcb, nil
}

// retransmitAckForOpposite re-sends this direction's last ack toward its
// peer when the opposite direction's retransmission timer fires or its
// third duplicate ack arrives. There is no live packet retained across a
// timer fire, so the seq/ack are reconstructed from this direction's own
// maintainer bookkeeping rather than taken from a packet in hand.
func (e *Element) retransmitAckForOpposite(fcb *flowstate.FCB) {
	thisM := fcb.Common.Maintainers[e.flowDirection]
	seq := thisM.MapSeq(thisM.LastAckReceived())
	ack := thisM.LastAckSent()
	if err := e.out.SendAck(thisM, thisM.IPSrc(), thisM.IPDst(), thisM.PortSrc(), thisM.PortDst(), seq, ack); err != nil {
		e.log.WithError(err).Warn("tcpin: failed to resend ack on retransmission timeout")
	}
}

// checkConnectionClosed drops any packet on a direction that is no longer
// Open; a graceful closing direction still re-acks a stray FIN, SYN, or
// payload segment so the peer's own retransmission timer does not fire.
func (e *Element) checkConnectionClosed(fcb *flowstate.FCB, packet *tcppacket.Packet) bool {
	state := fcb.Common.ClosingStates[e.flowDirection]
	if state == flowstate.Open {
		return true
	}
	if state == flowstate.BeingClosedGraceful || state == flowstate.ClosedGraceful {
		if packet.IsFIN() || packet.IsSYN() || packet.PayloadLength() > 0 {
			e.ackPacket(fcb, packet, false)
		}
	}
	return false
}

// ackPacket crafts and sends an ack back toward whoever sent packet,
// addressed from this side, acknowledging everything through packet's
// payload. When ackMapped is true the packet's ack field has already been
// mapped back to the original numberspace by Process, so it is put through
// the opposite maintainer's MapSeq to get the wire value (used by
// RequestMorePackets).
func (e *Element) ackPacket(fcb *flowstate.FCB, packet *tcppacket.Packet, ackMapped bool) {
	opp := 1 - e.flowDirection
	oppM := fcb.Common.Maintainers[opp]

	srcIP := packet.DestinationIP()
	dstIP := packet.SourceIP()
	srcPort := packet.DestinationPort()
	dstPort := packet.SourcePort()

	seq := packet.AckNumber()
	if ackMapped {
		seq = oppM.MapSeq(seq)
	}
	ack := packet.SequenceNumber() + uint32(packet.PayloadLength())
	if packet.IsFIN() || packet.IsSYN() {
		ack++
	}

	if err := e.out.SendAck(oppM, srcIP, dstIP, srcPort, dstPort, seq, ack); err != nil {
		e.log.WithError(err).Warn("tcpin: failed to craft ack packet")
	}
}

// Close performs the closeConnection operation: it marks packet as a FIN or
// RST, transitions this direction's closing state, and - when bothSides is
// set - crafts and sends the matching closing packet toward the peer and
// marks the opposite direction closed too. It then notifies the rest of the
// pipeline's stack.Chain and schedules the FCB's eventual release.
func (e *Element) Close(fcb *flowstate.FCB, packet *tcppacket.Packet, graceful, bothSides bool) {
	newFlag := tcppacket.FlagRST
	selfState := flowstate.BeingClosedUngraceful
	otherState := flowstate.ClosedUngraceful
	if graceful {
		newFlag = tcppacket.FlagFIN
		selfState = flowstate.BeingClosedGraceful
		otherState = flowstate.ClosedGraceful
	}
	packet.OrFlags(newFlag)
	packet.SetDirty(true)

	opp := 1 - e.flowDirection
	fcb.Common.ClosingStates[e.flowDirection] = selfState

	if bothSides {
		fcb.Common.ClosingStates[opp] = otherState

		srcIP := packet.DestinationIP()
		dstIP := packet.SourceIP()
		srcPort := packet.DestinationPort()
		dstPort := packet.SourcePort()

		oppM := fcb.Common.Maintainers[opp]
		seq := oppM.MapSeq(packet.AckNumber())
		ack := packet.SequenceNumber() + uint32(packet.PayloadLength())
		if packet.IsFIN() || packet.IsSYN() {
			ack++
		}
		if err := e.out.SendClosingPacket(oppM, srcIP, dstIP, srcPort, dstPort, seq, ack, graceful); err != nil {
			e.log.WithError(err).Warn("tcpin: failed to craft closing packet")
		}
	}

	e.log.Infof("tcpin: closing connection on flow direction %d (graceful=%v bothSides=%v)", e.flowDirection, graceful, bothSides)
	if e.Chain != nil {
		e.Chain.CloseConnection(fcb, graceful, bothSides)
	}

	table := e.table
	time.AfterFunc(GracePeriod, func() { table.Release(fcb) })
}

// RequestMorePackets satisfies stack.Element: a downstream element asking
// to hold off forwarding (e.g. a pattern spanning a packet boundary) is
// answered with a mapped ack re-send rather than a normal forward.
func (e *Element) RequestMorePackets(fcbIface stack.FCB, packet *tcppacket.Packet) {
	fcb, ok := fcbIface.(*flowstate.FCB)
	if !ok {
		return
	}
	e.ackPacket(fcb, packet, true)
}

// RemoveBytes/InsertBytes satisfy stack.Element: every edit a downstream
// element makes is recorded here, keyed by the packet's original (unmapped)
// sequence number, so TCP-Out can fold the same edits into the ByteStream
// Maintainer once the packet reaches it. The list is deliberately never
// deleted once TCP-Out consumes it: a retransmission of the same original
// seq must replay the identical edit against the payload, but must not
// re-enter its delta into the maintainer a second time - recordModification
// stops accumulating into a list once TCP-Out has marked it applied.
func (e *Element) RemoveBytes(fcbIface stack.FCB, packet *tcppacket.Packet, position, length int) {
	fcb, ok := fcbIface.(*flowstate.FCB)
	if !ok {
		return
	}
	e.recordModification(fcb, packet, position, -int64(length))
}

func (e *Element) InsertBytes(fcbIface stack.FCB, packet *tcppacket.Packet, position, length int) {
	fcb, ok := fcbIface.(*flowstate.FCB)
	if !ok {
		return
	}
	e.recordModification(fcb, packet, position, int64(length))
}

func (e *Element) recordModification(fcb *flowstate.FCB, packet *tcppacket.Packet, absolutePosition int, signedLength int64) {
	offsetInPayload := absolutePosition - packet.ContentOffset()
	seq := packet.SequenceNumber()

	list, ok := fcb.ModificationLists[seq]
	if !ok {
		list = modlist.New()
		fcb.ModificationLists[seq] = list
	} else if list.Applied() {
		// A retransmission replaying the same search/replace: the delta was
		// already folded into the maintainer, so recording it again here
		// would double it. The rewritten payload bytes are unaffected -
		// replaying the edit against the retransmitted packet's own content
		// happens above, in flowbuffer, independent of this bookkeeping.
		return
	}
	list.AddModification(int64(seq)+int64(offsetInPayload), signedLength)
}
