package validator

import (
	"context"
	"time"

	"github.com/equa/go-validator/internal/log"
)

// EquivocationProofBudget caps the serialized size of proofs a micro block
// may carry, named EQUIVOCATION_PROOFS_MAX_SIZE in the source this spec was
// distilled from.
const EquivocationProofBudget = 1000

// BlockSealer is the collaborator that actually assembles and signs a
// micro block body; the wire format and signing math are both out of
// scope here, so this package only calls out to it at the right moment.
type BlockSealer interface {
	SealBlock(ctx context.Context, blockNumber uint64, vrfSeed Hash, proofs []EquivocationProof) (Block, error)
}

// MicroProducer drives timed, slot-assigned emission of one micro block.
// Timing window: it must not emit before BLOCK_SEPARATION_TIME has passed
// since the previous block's timestamp, and must yield to the skip-block
// protocol once PRODUCER_TIMEOUT has elapsed.
type MicroProducer struct {
	equivocation    *EquivocationPool
	sealer          BlockSealer
	blockNumber     uint64
	prevVRFSeed     Hash
	separationTime  time.Duration
	producerTimeout time.Duration
	earliest        time.Time
	deadline        time.Time
	selected        []EquivocationProof
	produced        bool
	log             *log.Logger
}

// NewMicroProducer constructs a driver for blockNumber, anchored off the
// previous block's timestamp.
func NewMicroProducer(
	pool *EquivocationPool,
	sealer BlockSealer,
	blockNumber uint64,
	prevTimestamp time.Time,
	prevVRFSeed Hash,
	separationTime time.Duration,
	producerTimeout time.Duration,
) *MicroProducer {
	return &MicroProducer{
		equivocation:    pool,
		sealer:          sealer,
		blockNumber:     blockNumber,
		prevVRFSeed:     prevVRFSeed,
		separationTime:  separationTime,
		producerTimeout: producerTimeout,
		earliest:        prevTimestamp.Add(separationTime),
		deadline:        prevTimestamp.Add(producerTimeout),
		log:             log.Module("micro").With("blockNumber", blockNumber),
	}
}

// Height returns the block number this driver is producing.
func (m *MicroProducer) Height() uint64 {
	return m.blockNumber
}

// Deadline reports the skip-block cutoff: the orchestrator should give up
// on this producer and move on once now is past it.
func (m *MicroProducer) Deadline() time.Time {
	return m.deadline
}

// Ready reports whether enough time has passed since the previous block to
// respect BLOCK_SEPARATION_TIME.
func (m *MicroProducer) Ready(now time.Time) bool {
	return !now.Before(m.earliest)
}

// Expired reports whether PRODUCER_TIMEOUT has elapsed, meaning the
// orchestrator should yield to the skip-block protocol instead of waiting
// further on this producer.
func (m *MicroProducer) Expired(now time.Time) bool {
	return now.After(m.deadline)
}

// Produce selects the bounded equivocation proof set and asks the sealer
// to assemble the block. The selected proofs stay reserved in the pool
// (not offered to a future block) until the orchestrator either applies
// this block as canonical or calls Abandon. A producer seals at most one
// block: once a block has been sealed, later calls return
// ErrProducerNotReady, so a failed or rejected push is not retried at the
// same height.
func (m *MicroProducer) Produce(ctx context.Context, now time.Time) (Block, error) {
	if m.produced || !m.Ready(now) {
		return Block{}, ErrProducerNotReady
	}
	m.selected = m.equivocation.GetEquivocationProofsForBlock(EquivocationProofBudget)
	block, err := m.sealer.SealBlock(ctx, m.blockNumber, m.prevVRFSeed, m.selected)
	if err != nil {
		m.equivocation.ReleaseIncluded(m.selected)
		m.selected = nil
		return Block{}, err
	}
	block.Proofs = m.selected
	m.produced = true
	return block, nil
}

// Abandon releases any proofs reserved by a Produce call whose block never
// became canonical, returning them to the pool for a future attempt.
func (m *MicroProducer) Abandon() {
	if len(m.selected) == 0 {
		return
	}
	m.equivocation.ReleaseIncluded(m.selected)
	m.selected = nil
}
