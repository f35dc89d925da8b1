// Package rewrite implements a small demonstration stack.Element: a
// pattern-based payload rewriter built directly on the Flow Buffer, showing
// how user logic plugs into the middlebox core between TCP-In and TCP-Out.
//
// It follows the original design's push model (an element hands a finished
// packet straight to the next element, rather than returning it up a call
// stack) because a rewriter naturally produces zero, one, or several ready
// packets per input packet - exactly the shape `flowbuffer.FlowBuffer`'s
// enqueue/search/replace/dequeue cycle exposes.
package rewrite

import (
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpmidbox/internal/flowbuffer"
	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

// Element buffers one direction's packets per flow, searches for Pattern
// across packet boundaries, and replaces it with Replacement once enough
// data has accumulated to decide.
type Element struct {
	stack.NoOpElement

	name        string
	Pattern     []byte
	Replacement []byte
	log         *logrus.Entry

	// Next receives every packet this element finishes with, in order.
	// It stands in for Click's downstream push target.
	Next stack.Element

	// RequestMore, if set, is called when the buffered content ends in a
	// partial match of Pattern and more packets are needed before a
	// search can be decided - the demo wiring points this at the owning
	// TCP-In direction's RequestMorePackets.
	RequestMore func(fcb stack.FCB, lastPacket *tcppacket.Packet)

	// Recorder receives the RemoveBytes/InsertBytes/SetPacketDirty calls
	// the Flow Buffer makes while this element edits a packet's payload -
	// the demo wiring points this at the owning TCP-In direction, so its
	// modification lists and dirty-marking see edits this element makes,
	// not just edits TCP-In makes directly. If nil, edits are still applied
	// to the packet bytes themselves but nothing downstream is told about
	// them.
	Recorder stack.Element

	buffers map[string]*flowbuffer.FlowBuffer
}

// New constructs a rewriter that replaces pattern with replacement as it
// crosses this element. Each ProcessPacket call replaces only the first
// occurrence in the buffered content; any later occurrence in that content
// is pushed downstream unchanged.
func New(name string, pattern, replacement []byte, log *logrus.Entry) *Element {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Element{
		name:        name,
		Pattern:     pattern,
		Replacement: replacement,
		log:         log,
		buffers:     make(map[string]*flowbuffer.FlowBuffer),
	}
}

// Name identifies this element for logging and diagnostics.
func (e *Element) Name() string { return e.name }

// RemoveBytes/InsertBytes/SetPacketDirty satisfy stack.Element as the owner
// the Flow Buffer notifies while this element splices a packet's payload.
// They forward to Recorder rather than acting as the no-ops this element
// would otherwise inherit from stack.NoOpElement, so the edits this element
// makes are still recorded by the owning TCP-In direction.
func (e *Element) RemoveBytes(fcb stack.FCB, packet *tcppacket.Packet, position, length int) {
	if e.Recorder != nil {
		e.Recorder.RemoveBytes(fcb, packet, position, length)
	}
}

func (e *Element) InsertBytes(fcb stack.FCB, packet *tcppacket.Packet, position, length int) {
	if e.Recorder != nil {
		e.Recorder.InsertBytes(fcb, packet, position, length)
	}
}

func (e *Element) SetPacketDirty(fcb stack.FCB, packet *tcppacket.Packet) {
	if e.Recorder != nil {
		e.Recorder.SetPacketDirty(fcb, packet)
	}
}

// ProcessPacket enqueues packet into this flow's buffer, searches for
// Pattern, and either pushes every buffered packet downstream, replaces the
// first match and then pushes every buffered packet, or asks for more data
// if the buffered tail only partially matches.
//
// It always returns (nil, false): packets are pushed downstream directly
// through Next rather than returned, since one input packet can produce
// zero or several ready output packets.
func (e *Element) ProcessPacket(fcb stack.FCB, packet *tcppacket.Packet) (*tcppacket.Packet, bool) {
	buf := e.bufferFor(fcb)
	buf.Enqueue(packet)

	switch buf.SearchInFlow(e.Pattern) {
	case flowbuffer.Found:
		if len(e.Pattern) > 0 {
			buf.ReplaceInFlow(fcb, e.Pattern, e.Replacement, e)
		}
		e.pushAll(fcb, buf.DequeueAll())
	case flowbuffer.NeedMore:
		if e.RequestMore != nil {
			e.RequestMore(fcb, packet)
		}
	case flowbuffer.NotFound:
		e.pushAll(fcb, buf.DequeueAll())
	}

	return nil, false
}

func (e *Element) pushAll(fcb stack.FCB, packets []*tcppacket.Packet) {
	if e.Next == nil {
		return
	}
	for _, p := range packets {
		e.Next.ProcessPacket(fcb, p)
	}
}

func (e *Element) bufferFor(fcb stack.FCB) *flowbuffer.FlowBuffer {
	key := fcb.FlowKey()
	buf, ok := e.buffers[key]
	if !ok {
		buf = flowbuffer.New()
		e.buffers[key] = buf
	}
	return buf
}

// CloseConnection drops this flow's buffer, discarding any packets that
// never reached a decided search result - they belong to a connection that
// is going away regardless.
func (e *Element) CloseConnection(fcb stack.FCB, _, _ bool) {
	delete(e.buffers, fcb.FlowKey())
}
