package flowstate

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateInitiatorAndLookupResponder(t *testing.T) {
	table := NewTable(4, 8)

	initiatorTuple := NewFourTuple(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 5555, 80)
	initiatorFCB := table.AllocateInitiator(initiatorTuple)
	require.NotNil(t, initiatorFCB.Common)

	responderTuple := NewFourTuple(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 80, 5555)
	responderFCB, ok := table.LookupResponder(responderTuple)
	require.True(t, ok)

	assert.Same(t, initiatorFCB.Common, responderFCB.Common, "both directions must share the same TcpCommon")
}

func TestLookupResponder_MissingFlowNotFound(t *testing.T) {
	table := NewTable(4, 8)
	_, ok := table.LookupResponder(NewFourTuple(net.IPv4(1, 1, 1, 1), net.IPv4(2, 2, 2, 2), 1, 2))
	assert.False(t, ok)
}

func TestRelease_LastCloserReturnsToPoolAndRemovesEntry(t *testing.T) {
	table := NewTable(4, 8)

	initiatorTuple := NewFourTuple(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 5555, 80)
	initiatorFCB := table.AllocateInitiator(initiatorTuple)

	responderTuple := NewFourTuple(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 80, 5555)
	responderFCB, ok := table.LookupResponder(responderTuple)
	require.True(t, ok)

	// First release: still one owner left, entry must remain lookup-able.
	// The probe lookup itself takes a share, so drop that share again.
	table.Release(initiatorFCB)
	probeFCB, stillThere := table.LookupResponder(responderTuple)
	assert.True(t, stillThere)
	table.Release(probeFCB)

	// Second (last) release: entry must be gone.
	table.Release(responderFCB)
	_, ok = table.LookupResponder(responderTuple)
	assert.False(t, ok)
}

func TestFourTuple_AffinityKeyIsDirectionIndependent(t *testing.T) {
	forward := NewFourTuple(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 5555, 80)
	backward := NewFourTuple(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 80, 5555)

	assert.Equal(t, forward.AffinityKey(), backward.AffinityKey())
}

func TestClosingState_String(t *testing.T) {
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "CLOSED_UNGRACEFUL", ClosedUngraceful.String())
}

func TestTcpCommon_ResetClearsClosingStates(t *testing.T) {
	tc := NewTcpCommon().(*TcpCommon)
	tc.ClosingStates[0] = ClosedGraceful
	tc.Maintainers[0].SetLastAckSent(42)

	tc.Reset()

	assert.Equal(t, Open, tc.ClosingStates[0])
	assert.Equal(t, uint32(0), tc.Maintainers[0].LastAckSent())
}
