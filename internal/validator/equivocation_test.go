package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func proofFor(offender byte, blockNumber uint64, evidenceSize int) EquivocationProof {
	var addr Address
	addr[0] = offender
	return EquivocationProof{
		Locator:  Locator{Offender: addr, BlockNumber: blockNumber, Kind: EquivocationDoubleVote},
		Evidence: make([]byte, evidenceSize),
	}
}

func TestEquivocationPoolInsertIsIdempotent(t *testing.T) {
	pool := NewEquivocationPool()
	proof := proofFor(1, 10, 8)

	require.True(t, pool.Insert(proof))
	require.False(t, pool.Insert(proof))
	require.Equal(t, 1, pool.Size())
}

func TestApplyRevertRestoresPoolExactly(t *testing.T) {
	pool := NewEquivocationPool()
	a := proofFor(1, 10, 8)
	b := proofFor(2, 11, 8)
	pool.Insert(a)
	pool.Insert(b)

	block := BlockInfo{Height: 20, Hash: Hash{0x42}, Proofs: []EquivocationProof{a}}
	pool.ApplyBlock(block)
	require.Equal(t, 1, pool.Size())
	require.False(t, pool.Contains(a.Locator))
	require.True(t, pool.Contains(b.Locator))

	pool.RevertBlock(block)
	require.Equal(t, 2, pool.Size())
	require.True(t, pool.Contains(a.Locator))
	require.True(t, pool.Contains(b.Locator))
}

func TestRebranchReplaysEquivocationProofs(t *testing.T) {
	pool := NewEquivocationPool()
	a := proofFor(1, 10, 8)
	b := proofFor(2, 11, 8)
	c := proofFor(3, 12, 8)
	pool.Insert(a)
	pool.Insert(b)
	pool.Insert(c)

	oldBlock := BlockInfo{Height: 20, Hash: Hash{0x01}, Proofs: []EquivocationProof{a}}
	pool.ApplyBlock(oldBlock)
	require.Equal(t, 2, pool.Size())

	newBlock := BlockInfo{Height: 20, Hash: Hash{0x02}, Proofs: []EquivocationProof{b}}
	pool.Rebranch([]BlockInfo{oldBlock}, []BlockInfo{newBlock})

	require.True(t, pool.Contains(a.Locator), "reverting the old branch restores its consumed proof")
	require.False(t, pool.Contains(b.Locator), "applying the new branch consumes its proof again")
	require.True(t, pool.Contains(c.Locator))
}

func TestGetEquivocationProofsForBlockIsBounded(t *testing.T) {
	pool := NewEquivocationPool()
	for i := byte(0); i < 50; i++ {
		pool.Insert(proofFor(i, uint64(i), 40))
	}

	selected := pool.GetEquivocationProofsForBlock(1000)

	total := 0
	for _, p := range selected {
		total += p.SerializedSize()
	}
	require.LessOrEqual(t, total, 1000)
	require.Less(t, len(selected), 50, "budget must exclude some of the 50 pooled proofs")
}

func TestGetEquivocationProofsForBlockExcludesAlreadyIncluded(t *testing.T) {
	pool := NewEquivocationPool()
	a := proofFor(1, 1, 8)
	b := proofFor(2, 2, 8)
	pool.Insert(a)
	pool.Insert(b)

	first := pool.GetEquivocationProofsForBlock(1000)
	require.Len(t, first, 2)

	second := pool.GetEquivocationProofsForBlock(1000)
	require.Empty(t, second, "already-selected proofs stay reserved until released or applied")

	pool.ReleaseIncluded(first)
	third := pool.GetEquivocationProofsForBlock(1000)
	require.Len(t, third, 2)
}

func TestSelectionIsDeterministicByLocatorOrder(t *testing.T) {
	pool := NewEquivocationPool()
	pool.Insert(proofFor(3, 1, 8))
	pool.Insert(proofFor(1, 1, 8))
	pool.Insert(proofFor(2, 1, 8))

	selected := pool.GetEquivocationProofsForBlock(1000)
	require.Len(t, selected, 3)
	require.Equal(t, byte(1), selected[0].Locator.Offender[0])
	require.Equal(t, byte(2), selected[1].Locator.Offender[0])
	require.Equal(t, byte(3), selected[2].Locator.Offender[0])
}
