package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func gossipProposal(height uint64, round uint32, hash byte) GossipProposal {
	var h Hash
	h[0] = hash
	return GossipProposal{Proposal: Proposal{Height: height, Round: round, Hash: h}}
}

func TestProposalBufferDropsStaleHeight(t *testing.T) {
	buf := NewProposalBuffer(10)
	buf.SetCurrentHeight(100)

	require.False(t, buf.Offer(gossipProposal(99, 0, 0x01)))
	require.Equal(t, 0, buf.Len())
}

func TestProposalBufferCoalescesDuplicateContentHash(t *testing.T) {
	buf := NewProposalBuffer(10)
	buf.SetCurrentHeight(1)

	require.True(t, buf.Offer(gossipProposal(5, 0, 0xAA)))
	require.False(t, buf.Offer(gossipProposal(5, 0, 0xAA)))
	require.Equal(t, 1, buf.Len())

	// Same hash at a different round is not a duplicate.
	require.True(t, buf.Offer(gossipProposal(5, 1, 0xAA)))
	require.Equal(t, 2, buf.Len())
}

func TestProposalBufferAppliesBackPressure(t *testing.T) {
	buf := NewProposalBuffer(2)
	buf.SetCurrentHeight(1)

	require.True(t, buf.Offer(gossipProposal(5, 0, 0x01)))
	require.True(t, buf.Offer(gossipProposal(5, 0, 0x02)))
	require.False(t, buf.Offer(gossipProposal(5, 0, 0x03)), "buffer at capacity must reject further offers")
	require.Equal(t, 2, buf.Len())
}

func TestProposalBufferDrainReturnsAllRoundsForHeight(t *testing.T) {
	buf := NewProposalBuffer(10)
	buf.SetCurrentHeight(1)

	buf.Offer(gossipProposal(5, 0, 0x01))
	buf.Offer(gossipProposal(5, 1, 0x02))
	buf.Offer(gossipProposal(6, 0, 0x03))

	drained := buf.Drain(5)
	require.Len(t, drained, 2)
	require.Equal(t, 1, buf.Len(), "height 6 must remain buffered")
}

func TestSetCurrentHeightPrunesStaleQueues(t *testing.T) {
	buf := NewProposalBuffer(10)
	buf.SetCurrentHeight(1)

	buf.Offer(gossipProposal(5, 0, 0x01))
	buf.Offer(gossipProposal(10, 0, 0x02))

	buf.SetCurrentHeight(8)
	require.Equal(t, 1, buf.Len())
	require.Empty(t, buf.Drain(5))
	require.Len(t, buf.Drain(10), 1)
}
