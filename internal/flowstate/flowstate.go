// Package flowstate implements the Flow Control Block (FCB) and its shared
// TcpCommon record: the per-connection state the two TCP-In directions
// pair up on the three-way handshake and release back to a fixed pool when
// the last direction closes.
//
// TcpCommon allocation is backed by github.com/Clouded-Sabre/ringpool, the
// same fixed-size ring-buffer pool the retrieval pack's pseudo-TCP stack
// uses for its packet payload chunks (lib/pool.go, lib/pcpcore.go).
package flowstate

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/irctrakz/tcpmidbox/internal/maintainer"
	"github.com/irctrakz/tcpmidbox/internal/modlist"
)

// ClosingState mirrors the per-direction closing state machine: transitions
// are monotonic, OPEN -> BEING_CLOSED_* -> CLOSED_*, and an ungraceful close
// supersedes a graceful one already in flight.
type ClosingState int

const (
	Open ClosingState = iota
	BeingClosedGraceful
	ClosedGraceful
	BeingClosedUngraceful
	ClosedUngraceful
)

func (s ClosingState) String() string {
	switch s {
	case Open:
		return "OPEN"
	case BeingClosedGraceful:
		return "BEING_CLOSED_GRACEFUL"
	case ClosedGraceful:
		return "CLOSED_GRACEFUL"
	case BeingClosedUngraceful:
		return "BEING_CLOSED_UNGRACEFUL"
	case ClosedUngraceful:
		return "CLOSED_UNGRACEFUL"
	default:
		return "UNKNOWN"
	}
}

// FourTuple identifies one direction of a connection by its outbound
// source/destination address and port.
type FourTuple struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// NewFourTuple builds a FourTuple from net.IP values, normalizing to the
// dotted string form so it can be used as a map key.
func NewFourTuple(srcIP, dstIP net.IP, srcPort, dstPort uint16) FourTuple {
	return FourTuple{SrcIP: srcIP.String(), SrcPort: srcPort, DstIP: dstIP.String(), DstPort: dstPort}
}

// Reverse returns the four-tuple as seen from the opposite direction, used
// by the responder side of a handshake to find the initiator's TcpCommon.
func (f FourTuple) Reverse() FourTuple {
	return FourTuple{SrcIP: f.DstIP, SrcPort: f.DstPort, DstIP: f.SrcIP, DstPort: f.SrcPort}
}

func (f FourTuple) key() string {
	return fmt.Sprintf("%s:%d>%s:%d", f.SrcIP, f.SrcPort, f.DstIP, f.DstPort)
}

// AffinityKey returns a direction-independent key for the connection, used
// by the dispatcher to steer both directions of a flow to the same worker.
func (f FourTuple) AffinityKey() string {
	a, b := f.key(), f.Reverse().key()
	if a < b {
		return a
	}
	return b
}

// TcpCommon holds the two symmetric per-direction records shared by both
// TCP-In elements of a connection: a ByteStream Maintainer, a
// Retransmission Timing state, and a closing state, indexed by flow
// direction (0 or 1).
//
// It implements rp.DataInterface (via Reset) so it can be allocated from
// and returned to a ring pool.
type TcpCommon struct {
	Maintainers    [2]*maintainer.ByteStreamMaintainer
	Retransmission [2]*maintainer.RetransmissionTiming
	ClosingStates  [2]ClosingState

	mu        sync.Mutex
	refCount  int
	flowID    FourTuple
}

// NewTcpCommon is the ring pool factory for TcpCommon values.
func NewTcpCommon(_ ...interface{}) rp.DataInterface {
	return &TcpCommon{
		Maintainers:    [2]*maintainer.ByteStreamMaintainer{maintainer.New(), maintainer.New()},
		Retransmission: [2]*maintainer.RetransmissionTiming{maintainer.NewRetransmissionTiming(), maintainer.NewRetransmissionTiming()},
	}
}

// Reset restores a TcpCommon to its zero-connection state for reuse from
// the pool.
func (t *TcpCommon) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < 2; i++ {
		t.Maintainers[i].Reset()
		t.Retransmission[i].Stop()
		t.Retransmission[i].Reset()
		t.ClosingStates[i] = Open
	}
	t.refCount = 0
	t.flowID = FourTuple{}
}

// PrintContent implements rp.DataInterface for diagnostic dumps of the ring
// pool; it reports the flow this record is currently bound to.
func (t *TcpCommon) PrintContent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Printf("TcpCommon: flowID=%+v refCount=%d\n", t.flowID, t.refCount)
}

// acquire and release implement the "last direction to close releases the
// pool element" ownership rule from the data model: the initiator acquires
// once on allocation, the responder acquires once on pairing, and each
// direction releases once on close.
func (t *TcpCommon) acquire() {
	t.mu.Lock()
	t.refCount++
	t.mu.Unlock()
}

func (t *TcpCommon) release() bool {
	t.mu.Lock()
	t.refCount--
	last := t.refCount <= 0
	t.mu.Unlock()
	return last
}

// FCB is the Flow Control Block for one direction of a connection. It holds
// a pointer to the (pooled, shared) TcpCommon and this direction's own
// per-packet modification lists, indexed by original sequence number - the
// per-direction TcpIn state the original design embeds inside the FCB
// alongside the shared tcp_common pointer.
type FCB struct {
	Common            *TcpCommon
	ModificationLists map[uint32]*modlist.List

	element *rp.Element
	flowID  FourTuple
	key     string
}

// FlowKey satisfies stack.FCB, identifying the connection for logging.
func (f *FCB) FlowKey() string { return f.key }

// Table is the shared flow-id table: a fixed number of independently
// locked shards mapping a four-tuple key to its TcpCommon, sharded by an
// FNV-1a hash of the initiator's four-tuple key. The shard choice is
// independent of the dispatcher's worker choice.
type Table struct {
	shards []*tableShard
	pool   *rp.RingPool
}

type tableShard struct {
	mu      sync.RWMutex
	entries map[string]*tableEntry
}

type tableEntry struct {
	common  *TcpCommon
	element *rp.Element
}

// NewTable builds a Table with shardCount independently locked shards and a
// ring pool of poolSize TcpCommon records.
func NewTable(shardCount, poolSize int) *Table {
	shards := make([]*tableShard, shardCount)
	for i := range shards {
		shards[i] = &tableShard{entries: make(map[string]*tableEntry)}
	}
	return &Table{
		shards: shards,
		pool:   rp.NewRingPool("tcpmidbox-tcpcommon: ", poolSize, NewTcpCommon, 0),
	}
}

func (t *Table) shardFor(key string) *tableShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// AllocateInitiator allocates a fresh TcpCommon from the pool, publishes it
// into the table keyed by the initiator's four-tuple, and returns an FCB
// that owns the publishing reference.
func (t *Table) AllocateInitiator(flowID FourTuple) *FCB {
	key := flowID.key()
	shard := t.shardFor(key)

	el := t.pool.GetElement()
	common := el.Data.(*TcpCommon)
	common.flowID = flowID
	common.acquire()

	shard.mu.Lock()
	shard.entries[key] = &tableEntry{common: common, element: el}
	shard.mu.Unlock()

	return &FCB{Common: common, ModificationLists: make(map[uint32]*modlist.List), element: el, flowID: flowID, key: key}
}

// LookupResponder finds the TcpCommon published by the initiator via the
// reverse four-tuple and shares ownership with it.
func (t *Table) LookupResponder(flowID FourTuple) (*FCB, bool) {
	reverseKey := flowID.Reverse().key()
	shard := t.shardFor(reverseKey)

	shard.mu.RLock()
	entry, ok := shard.entries[reverseKey]
	shard.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.common.acquire()
	return &FCB{Common: entry.common, ModificationLists: make(map[uint32]*modlist.List), element: entry.element, flowID: flowID, key: reverseKey}, true
}

// Release drops this FCB's ownership share of the TcpCommon; when the last
// share is dropped the pool element is reset and returned to the pool and
// its table entry removed.
func (t *Table) Release(fcb *FCB) {
	if !fcb.Common.release() {
		return
	}

	shard := t.shardFor(fcb.key)
	shard.mu.Lock()
	delete(shard.entries, fcb.key)
	shard.mu.Unlock()

	t.pool.ReturnElement(fcb.element)
}
