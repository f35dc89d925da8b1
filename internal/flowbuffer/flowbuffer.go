// Package flowbuffer implements the Flow Buffer: a FIFO chain of owned,
// mutable packets that lets a stack element search, remove, or replace a
// pattern as if the flow were one contiguous byte stream, even when the
// pattern spans a packet boundary.
//
// It is grounded on the original design's FlowBuffer/FlowBufferIter/
// FlowBufferContentIter trio, reworked from an intrusive doubly-linked
// Click PacketBatch into a small internal linked list of *tcppacket.Packet.
package flowbuffer

import (
	"bytes"

	"github.com/irctrakz/tcpmidbox/internal/stack"
	"github.com/irctrakz/tcpmidbox/pkg/tcppacket"
)

type node struct {
	packet *tcppacket.Packet
	prev   *node
	next   *node
}

// FlowBuffer is a FIFO of owned packets kept in sequence-number order.
type FlowBuffer struct {
	head *node
	tail *node
	size int
}

// New returns an empty FlowBuffer.
func New() *FlowBuffer {
	return &FlowBuffer{}
}

// Enqueue appends a packet to the end of the buffer. The buffer takes
// exclusive ownership; the caller must not retain a mutable alias.
func (b *FlowBuffer) Enqueue(p *tcppacket.Packet) {
	n := &node{packet: p}
	if b.tail == nil {
		b.head, b.tail = n, n
	} else {
		n.prev = b.tail
		b.tail.next = n
		b.tail = n
	}
	b.size++
}

// Dequeue removes and returns the first packet in the buffer, or nil if it
// is empty.
func (b *FlowBuffer) Dequeue() *tcppacket.Packet {
	if b.head == nil {
		return nil
	}
	n := b.head
	b.head = n.next
	if b.head == nil {
		b.tail = nil
	} else {
		b.head.prev = nil
	}
	b.size--
	return n.packet
}

// DequeueAll removes and returns every packet currently buffered, in order.
func (b *FlowBuffer) DequeueAll() []*tcppacket.Packet {
	out := make([]*tcppacket.Packet, 0, b.size)
	for p := b.Dequeue(); p != nil; p = b.Dequeue() {
		out = append(out, p)
	}
	return out
}

// DequeueUpTo removes and returns every packet strictly before target, in
// order, leaving target (and everything after it) in the buffer.
func (b *FlowBuffer) DequeueUpTo(target *tcppacket.Packet) []*tcppacket.Packet {
	var out []*tcppacket.Packet
	for b.head != nil && b.head.packet != target {
		out = append(out, b.Dequeue())
	}
	return out
}

// Size returns the number of packets currently buffered.
func (b *FlowBuffer) Size() int { return b.size }

// PacketIter advances one packet per step.
type PacketIter struct {
	cur *node
}

// Begin returns a PacketIter positioned at the first buffered packet.
func (b *FlowBuffer) Begin() PacketIter { return PacketIter{cur: b.head} }

// End returns a PacketIter positioned past the last buffered packet.
func (b *FlowBuffer) End() PacketIter { return PacketIter{} }

// Packet returns the packet the iterator currently points to, or nil at the
// end of the buffer.
func (it PacketIter) Packet() *tcppacket.Packet {
	if it.cur == nil {
		return nil
	}
	return it.cur.packet
}

// Next advances the iterator to the following packet.
func (it PacketIter) Next() PacketIter {
	if it.cur == nil {
		return it
	}
	return PacketIter{cur: it.cur.next}
}

// Done reports whether the iterator has run off the end of the buffer.
func (it PacketIter) Done() bool { return it.cur == nil }

// ContentIter advances one payload byte per step, skipping transparently
// across packet boundaries (and over zero-payload packets).
type ContentIter struct {
	buf            *FlowBuffer
	cur            *node
	offsetInPacket int
}

// ContentBegin returns a ContentIter starting posInFirstPacket bytes into
// the first buffered packet's payload.
func (b *FlowBuffer) ContentBegin(posInFirstPacket int) ContentIter {
	it := ContentIter{buf: b, cur: b.head, offsetInPacket: posInFirstPacket}
	it.repair()
	return it
}

// ContentEnd returns a ContentIter positioned past the end of all buffered
// content.
func (b *FlowBuffer) ContentEnd() ContentIter {
	return ContentIter{buf: b}
}

// Current returns the packet the iterator currently points into, or nil at
// the end of the content.
func (it ContentIter) Current() *tcppacket.Packet {
	if it.cur == nil {
		return nil
	}
	return it.cur.packet
}

// Offset returns the byte offset into the current packet's payload.
func (it ContentIter) Offset() int { return it.offsetInPacket }

// Byte returns the content byte the iterator currently points to.
func (it ContentIter) Byte() byte {
	p := it.cur.packet
	return p.Payload()[it.offsetInPacket]
}

// Done reports whether the iterator has run off the end of the content.
func (it ContentIter) Done() bool { return it.cur == nil }

// Next advances the iterator by one content byte, crossing into the
// following packet (skipping any with no payload left) as needed.
func (it ContentIter) Next() ContentIter {
	if it.cur == nil {
		return it
	}
	it.offsetInPacket++
	it.repair()
	return it
}

// repair moves the iterator past any packet whose payload is exhausted at
// the current offset, mirroring the original content iterator's behavior
// after a deletion empties the tail of a packet.
func (it *ContentIter) repair() {
	for it.cur != nil && it.offsetInPacket >= it.cur.packet.PayloadLength() {
		it.offsetInPacket = 0
		it.cur = it.cur.next
	}
}

// Flush returns every packet up to (and not including) the iterator's
// current position, dequeuing them from the buffer. At the end of the
// content it dequeues everything.
func (it ContentIter) Flush() []*tcppacket.Packet {
	if it.cur == nil {
		return it.buf.DequeueAll()
	}
	return it.buf.DequeueUpTo(it.cur.packet)
}

// Search results, matching the ternary contract of searchInFlow/
// removeInFlow/replaceInFlow.
const (
	// NotFound means the pattern does not occur and cannot occur starting
	// within the trailing bytes currently buffered.
	NotFound = -1
	// NeedMore means the pattern was not found but a proper prefix of it
	// matches the tail of the buffered content; the caller must buffer more.
	NeedMore = 0
	// Found means the pattern occurs in the buffered content.
	Found = 1
)

// SearchInFlow looks for pattern starting at the beginning of the buffer.
func (b *FlowBuffer) SearchInFlow(pattern []byte) int {
	_, result := b.search(b.ContentBegin(0), pattern)
	return result
}

// search walks the content iterator looking for pattern, returning the
// iterator positioned at the match start (if found) and the ternary
// result code.
func (b *FlowBuffer) search(start ContentIter, pattern []byte) (ContentIter, int) {
	if len(pattern) == 0 {
		return start, Found
	}

	for it := start; !it.Done(); it = it.Next() {
		matched := 0
		probe := it
		for matched < len(pattern) && !probe.Done() && probe.Byte() == pattern[matched] {
			matched++
			probe = probe.Next()
		}
		if matched == len(pattern) {
			return it, Found
		}
		if probe.Done() && matched > 0 {
			// The buffered content ran out mid-match: a longer buffer could
			// still complete this occurrence.
			return it, NeedMore
		}
	}
	return b.ContentEnd(), NotFound
}

// RemoveInFlow finds the first occurrence of pattern and deletes exactly
// len(pattern) bytes from that position, across however many packets the
// pattern spans, notifying owner's RemoveBytes hook for each edited packet.
func (b *FlowBuffer) RemoveInFlow(fcb stack.FCB, pattern []byte, owner stack.Element) int {
	match, result := b.search(b.ContentBegin(0), pattern)
	if result != Found {
		return result
	}
	b.remove(fcb, match, len(pattern), owner)
	return Found
}

// ReplaceInFlow finds the first occurrence of pattern and overwrites it
// with replacement, removing or inserting the length difference as needed.
func (b *FlowBuffer) ReplaceInFlow(fcb stack.FCB, pattern, replacement []byte, owner stack.Element) int {
	match, result := b.search(b.ContentBegin(0), pattern)
	if result != Found {
		return result
	}

	common := len(pattern)
	if len(replacement) < common {
		common = len(replacement)
	}

	it := match
	// insertPos is the position right after the last overwritten byte. It
	// stays in that byte's packet even when the match ends exactly at the
	// packet's end, where it.Next() would already have moved on.
	insertPos := match
	for i := 0; i < common; i++ {
		p := it.cur.packet
		p.Payload()[it.offsetInPacket] = replacement[i]
		p.SetDirty(true)
		owner.SetPacketDirty(fcb, p)
		insertPos = ContentIter{buf: b, cur: it.cur, offsetInPacket: it.offsetInPacket + 1}
		it = it.Next()
	}

	switch {
	case len(replacement) > len(pattern):
		b.insertAt(fcb, insertPos, replacement[common:], owner)
	case len(pattern) > len(replacement):
		b.remove(fcb, it, len(pattern)-len(replacement), owner)
	}
	return Found
}

// remove deletes length content bytes starting at start, across however
// many packets they span, notifying owner for each edited packet and
// repairing the iterator state afterward.
func (b *FlowBuffer) remove(fcb stack.FCB, start ContentIter, length int, owner stack.Element) {
	remaining := length
	it := start
	for remaining > 0 && !it.Done() {
		p := it.cur.packet
		available := p.PayloadLength() - it.offsetInPacket
		chunk := remaining
		if chunk > available {
			chunk = available
		}
		absolutePos := p.ContentOffset() + it.offsetInPacket
		p.RemoveBytes(absolutePos, chunk)
		p.SetDirty(true)
		owner.RemoveBytes(fcb, p, absolutePos, chunk)
		owner.SetPacketDirty(fcb, p)
		remaining -= chunk

		next := it
		next.repair()
		it = next
	}
}

// insertAt grows the packet at the iterator's current position by len(data)
// bytes and copies data into the new span, notifying owner.
func (b *FlowBuffer) insertAt(fcb stack.FCB, at ContentIter, data []byte, owner stack.Element) {
	if at.Done() || len(data) == 0 {
		return
	}
	p := at.cur.packet
	absolutePos := p.ContentOffset() + at.offsetInPacket
	p.InsertBytes(absolutePos, len(data))
	copy(p.Data()[absolutePos:absolutePos+len(data)], data)
	p.SetDirty(true)
	owner.InsertBytes(fcb, p, absolutePos, len(data))
	owner.SetPacketDirty(fcb, p)
}

// ContainsAt reports whether the payload bytes starting at content offset
// pos (within p) match pattern without crossing into another packet - a
// convenience for callers that don't need the full flow-spanning search.
func ContainsAt(p *tcppacket.Packet, pos int, pattern []byte) bool {
	payload := p.Payload()
	if pos+len(pattern) > len(payload) {
		return false
	}
	return bytes.Equal(payload[pos:pos+len(pattern)], pattern)
}
