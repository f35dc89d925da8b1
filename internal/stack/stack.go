// Package stack models the middlebox's polymorphic per-layer hooks as an
// explicit, ordered chain of capability-holding elements instead of a
// virtual-call chain through a common base class.
package stack

import "github.com/irctrakz/tcpmidbox/pkg/tcppacket"

// Element is the capability set every layer of the pipeline may implement.
// A layer that does not care about a given hook can embed NoOpElement and
// override only what it needs.
type Element interface {
	// Name identifies the element for logging and diagnostics.
	Name() string

	// ProcessPacket lets the element observe or transform a packet as it
	// flows down the chain. Returning ok=false stops the chain and the
	// packet is considered consumed (dropped or already forwarded).
	ProcessPacket(fcb FCB, packet *tcppacket.Packet) (*tcppacket.Packet, bool)

	// CloseConnection is invoked on every element when a connection closes,
	// so that layers holding per-flow state (e.g. a flow buffer) can react.
	CloseConnection(fcb FCB, graceful, bothSides bool)

	// RemoveBytes/InsertBytes notify every element downstream that a byte
	// range was edited, so accounting layers can update their own view of
	// the stream without re-deriving it from the packet alone.
	RemoveBytes(fcb FCB, packet *tcppacket.Packet, position, length int)
	InsertBytes(fcb FCB, packet *tcppacket.Packet, position, length int)

	// RequestMorePackets is called by an element that wants to delay
	// forwarding a payload until more bytes are available (e.g. a pattern
	// spanning packet boundaries) - it acks the packet without processing
	// it further.
	RequestMorePackets(fcb FCB, packet *tcppacket.Packet)

	// SetPacketDirty marks a packet for checksum recomputation.
	SetPacketDirty(fcb FCB, packet *tcppacket.Packet)
}

// FCB is the minimal view of a flow control block that stack elements need;
// it is satisfied by *flowstate.FCB without internal/stack importing
// internal/flowstate, so internal/stack depends only on pkg/tcppacket.
type FCB interface {
	FlowKey() string
}

// NoOpElement can be embedded by elements that only care about a subset of
// the hooks; every method is a safe no-op / pass-through.
type NoOpElement struct{}

func (NoOpElement) ProcessPacket(_ FCB, p *tcppacket.Packet) (*tcppacket.Packet, bool) {
	return p, true
}
func (NoOpElement) CloseConnection(FCB, bool, bool)              {}
func (NoOpElement) RemoveBytes(FCB, *tcppacket.Packet, int, int) {}
func (NoOpElement) InsertBytes(FCB, *tcppacket.Packet, int, int) {}
func (NoOpElement) RequestMorePackets(FCB, *tcppacket.Packet)    {}
func (NoOpElement) SetPacketDirty(FCB, *tcppacket.Packet)        {}

// Chain is an ordered list of elements a packet (or an edit notification)
// travels through. Elements are registered once at pipeline construction
// time and the chain is walked top to bottom for every hook, mirroring the
// forward-chain "StackElement::foo" calls of the original design without
// relying on inheritance.
type Chain struct {
	elements []Element
}

// NewChain builds a Chain from the given elements, in traversal order.
func NewChain(elements ...Element) *Chain {
	return &Chain{elements: append([]Element(nil), elements...)}
}

// Append adds an element to the end of the chain.
func (c *Chain) Append(e Element) {
	c.elements = append(c.elements, e)
}

// ProcessPacket walks the chain until an element stops it (ok=false) or the
// packet reaches the end of the chain.
func (c *Chain) ProcessPacket(fcb FCB, packet *tcppacket.Packet) (*tcppacket.Packet, bool) {
	ok := true
	for _, e := range c.elements {
		packet, ok = e.ProcessPacket(fcb, packet)
		if !ok {
			return packet, false
		}
	}
	return packet, true
}

// CloseConnection notifies every element in the chain of a close event.
func (c *Chain) CloseConnection(fcb FCB, graceful, bothSides bool) {
	for _, e := range c.elements {
		e.CloseConnection(fcb, graceful, bothSides)
	}
}

// RemoveBytes propagates a deletion notification down the chain.
func (c *Chain) RemoveBytes(fcb FCB, packet *tcppacket.Packet, position, length int) {
	for _, e := range c.elements {
		e.RemoveBytes(fcb, packet, position, length)
	}
}

// InsertBytes propagates an insertion notification down the chain.
func (c *Chain) InsertBytes(fcb FCB, packet *tcppacket.Packet, position, length int) {
	for _, e := range c.elements {
		e.InsertBytes(fcb, packet, position, length)
	}
}

// RequestMorePackets propagates a "need more data" notification down the chain.
func (c *Chain) RequestMorePackets(fcb FCB, packet *tcppacket.Packet) {
	for _, e := range c.elements {
		e.RequestMorePackets(fcb, packet)
	}
}

// SetPacketDirty propagates a dirty annotation down the chain.
func (c *Chain) SetPacketDirty(fcb FCB, packet *tcppacket.Packet) {
	for _, e := range c.elements {
		e.SetPacketDirty(fcb, packet)
	}
}
