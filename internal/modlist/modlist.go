// Package modlist implements the per-packet Modification List: a small
// ordered scratch structure that accumulates pending byte insertions and
// deletions before TCP-Out folds them into the wire payload and the
// ByteStream Maintainer's delta map.
package modlist

// Node is one pending edit at a fixed offset within the original byte
// stream. Length is signed: negative means a deletion of -Length bytes
// starting at Offset, positive means an insertion of Length new bytes at
// Offset.
type Node struct {
	Offset int64
	Length int64

	next *Node
}

// List is an ordered, singly-linked chain of Nodes, kept sorted by Offset.
// It is grounded on the original design's per-packet ModificationList,
// addressed by the packet's original sequence number in the owning TcpIn
// state and allocated from a fixed pool for the lifetime of one packet.
type List struct {
	head    *Node
	free    []*Node
	applied bool
}

// New returns an empty Modification List.
func New() *List {
	return &List{}
}

// AddModification inserts a new edit in offset order, coalescing it with an
// existing node when the two are adjacent or overlapping and share the same
// sign. A positive edit and a negative edit that cancel out exactly (equal
// offset, opposite length) are removed as a pair rather than left as a
// zero-length node.
func (l *List) AddModification(offset, length int64) {
	if length == 0 {
		return
	}

	var prev *Node
	cur := l.head
	for cur != nil && cur.Offset < offset {
		prev = cur
		cur = cur.next
	}

	if cur != nil && cur.Offset == offset {
		merged := cur.Length + length
		if merged == 0 {
			l.removeLocked(prev, cur)
			return
		}
		cur.Length = merged
		return
	}

	if sameSign(prev, length) && adjacentAfter(prev, offset, length) {
		prev.Length += signOf(length) * absInt64(length)
		if prev.Length == 0 {
			var beforePrev *Node
			if l.head != prev {
				beforePrev = l.head
				for beforePrev.next != prev {
					beforePrev = beforePrev.next
				}
			}
			l.removeLocked(beforePrev, prev)
		}
		return
	}

	if sameSign(cur, length) && adjacentBefore(cur, offset, length) {
		cur.Offset = offset
		cur.Length += length
		if cur.Length == 0 {
			l.removeLocked(prev, cur)
		}
		return
	}

	n := l.allocate()
	n.Offset, n.Length = offset, length
	n.next = cur
	if prev == nil {
		l.head = n
	} else {
		prev.next = n
	}
}

func sameSign(n *Node, length int64) bool {
	if n == nil {
		return false
	}
	return (n.Length < 0) == (length < 0)
}

// adjacentAfter reports whether a deletion/insertion at offset immediately
// follows prev's span, so it can be merged by extending prev's length.
func adjacentAfter(prev *Node, offset, length int64) bool {
	if prev == nil {
		return false
	}
	if prev.Length < 0 {
		// A deletion at prev.Offset removes bytes [Offset, Offset-Length); the
		// next deletion is adjacent if it starts where that span ends.
		return offset == prev.Offset-prev.Length
	}
	// An insertion at prev.Offset adds Length bytes; a further insertion
	// right after the inserted span is adjacent.
	return offset == prev.Offset+prev.Length
}

// adjacentBefore reports whether a new edit ending at offset+length touches
// the start of cur, so it can be merged by pulling cur's offset backward.
func adjacentBefore(cur *Node, offset, length int64) bool {
	if cur == nil {
		return false
	}
	if length < 0 {
		return offset-length == cur.Offset
	}
	return offset+length == cur.Offset
}

func signOf(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (l *List) removeLocked(prev, target *Node) {
	if prev == nil {
		l.head = target.next
	} else {
		prev.next = target.next
	}
	target.next = nil
	l.free = append(l.free, target)
}

func (l *List) allocate() *Node {
	if n := len(l.free); n > 0 {
		node := l.free[n-1]
		l.free = l.free[:n-1]
		return node
	}
	return &Node{}
}

// Empty reports whether the list holds no pending edits.
func (l *List) Empty() bool {
	return l.head == nil
}

// Applied reports whether this list's edits have already been folded into
// the ByteStream Maintainer. TCP-Out consults this before replaying a list
// on a retransmitted packet: the list itself must survive (a genuine
// retransmission replays the identical byte edit against the payload), but
// its delta must be counted into the maintainer exactly once.
func (l *List) Applied() bool {
	return l.applied
}

// MarkApplied records that this list's edits have been folded into the
// maintainer.
func (l *List) MarkApplied() {
	l.applied = true
}

// Each calls fn for every node in ascending offset order. TCP-Out uses this
// to walk the edits when rewriting a packet's payload and pushing deltas
// into the ByteStream Maintainer.
func (l *List) Each(fn func(offset, length int64)) {
	for n := l.head; n != nil; n = n.next {
		fn(n.Offset, n.Length)
	}
}

// Reset clears the list for recycling, retaining its nodes on the internal
// free list so a pooled List does not need to allocate on its next use.
func (l *List) Reset() {
	for l.head != nil {
		next := l.head.next
		l.head.next = nil
		l.free = append(l.free, l.head)
		l.head = next
	}
	l.applied = false
}
