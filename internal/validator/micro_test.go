package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSealer struct {
	err error
}

func (f *fakeSealer) SealBlock(ctx context.Context, blockNumber uint64, vrfSeed Hash, proofs []EquivocationProof) (Block, error) {
	if f.err != nil {
		return Block{}, f.err
	}
	return Block{Height: blockNumber, Type: BlockTypeMicro, ParentHash: vrfSeed}, nil
}

func TestMicroProducerRespectsBlockSeparationTime(t *testing.T) {
	pool := NewEquivocationPool()
	prev := time.Now()
	producer := NewMicroProducer(pool, &fakeSealer{}, 10, prev, Hash{}, 2*time.Second, 10*time.Second)

	require.False(t, producer.Ready(prev.Add(1*time.Second)))
	require.True(t, producer.Ready(prev.Add(2*time.Second)))

	_, err := producer.Produce(context.Background(), prev.Add(1*time.Second))
	require.ErrorIs(t, err, ErrProducerNotReady)
}

func TestMicroProducerExpiresAfterProducerTimeout(t *testing.T) {
	pool := NewEquivocationPool()
	prev := time.Now()
	producer := NewMicroProducer(pool, &fakeSealer{}, 10, prev, Hash{}, 1*time.Second, 5*time.Second)

	require.False(t, producer.Expired(prev.Add(4*time.Second)))
	require.True(t, producer.Expired(prev.Add(6*time.Second)))
}

func TestMicroProducerReusesTheSameBudgetAsEquivocationPool(t *testing.T) {
	pool := NewEquivocationPool()
	for i := byte(0); i < 10; i++ {
		pool.Insert(proofFor(i, uint64(i), 80))
	}
	prev := time.Now().Add(-1 * time.Hour)
	producer := NewMicroProducer(pool, &fakeSealer{}, 10, prev, Hash{}, time.Second, time.Minute)

	block, err := producer.Produce(context.Background(), time.Now())
	require.NoError(t, err)

	total := 0
	for _, p := range block.Proofs {
		total += p.SerializedSize()
	}
	require.LessOrEqual(t, total, EquivocationProofBudget)
	require.Less(t, len(block.Proofs), 10, "the 1000-byte budget must exclude some of the 10 pooled proofs")
}

func TestMicroProducerReleasesProofsOnSealerFailure(t *testing.T) {
	pool := NewEquivocationPool()
	pool.Insert(proofFor(1, 1, 8))
	prev := time.Now().Add(-1 * time.Hour)
	producer := NewMicroProducer(pool, &fakeSealer{err: context.DeadlineExceeded}, 10, prev, Hash{}, time.Second, time.Minute)

	_, err := producer.Produce(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, 1, pool.Size())

	selected := pool.GetEquivocationProofsForBlock(1000)
	require.Len(t, selected, 1, "a failed seal must release its reserved proofs back to the pool")
}

func TestMicroProducerAbandonReleasesReservedProofs(t *testing.T) {
	pool := NewEquivocationPool()
	pool.Insert(proofFor(1, 1, 8))
	prev := time.Now().Add(-1 * time.Hour)
	producer := NewMicroProducer(pool, &fakeSealer{}, 10, prev, Hash{}, time.Second, time.Minute)

	block, err := producer.Produce(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, block.Proofs, 1)

	require.Empty(t, pool.GetEquivocationProofsForBlock(1000), "proofs stay reserved until Abandon or the block lands")

	producer.Abandon()
	require.Len(t, pool.GetEquivocationProofsForBlock(1000), 1)
}
