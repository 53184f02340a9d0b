package validator

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/equa/go-validator/internal/metrics"
)

// EquivocationPool holds equivocation proofs not yet consumed by a
// canonical block, with apply/revert hooks for chain extension and
// rebranch, and bounded, deterministic selection for the next micro block.
type EquivocationPool struct {
	mu sync.RWMutex

	proofs map[Locator]EquivocationProof

	// appliedAt remembers, per applied block, which locators it consumed,
	// so a later revert can restore exactly those proofs.
	appliedAt map[Hash][]Locator

	// included tracks proofs handed to a block the micro producer built
	// but that has not yet become canonical; they stay out of future
	// selections until the block is applied or the selection is discarded.
	included mapset.Set[Locator]
}

// NewEquivocationPool builds an empty pool.
func NewEquivocationPool() *EquivocationPool {
	return &EquivocationPool{
		proofs:    make(map[Locator]EquivocationProof),
		appliedAt: make(map[Hash][]Locator),
		included:  mapset.NewSet[Locator](),
	}
}

// Insert adds proof to the pool. It is idempotent by locator: inserting an
// already-known locator is a no-op and returns false.
func (p *EquivocationPool) Insert(proof EquivocationProof) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.proofs[proof.Locator]; exists {
		return false
	}
	p.proofs[proof.Locator] = proof
	metrics.EquivocationPoolSize.Set(float64(len(p.proofs)))
	return true
}

// Contains reports whether a proof at locator is already pooled.
func (p *EquivocationPool) Contains(locator Locator) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.proofs[locator]
	return ok
}

// ApplyBlock removes from the pool every proof the block carries, so they
// are not offered again for a future micro block, and remembers them keyed
// by the block's hash so a later revert can restore them. Applying a block
// hash already recorded as applied is a fatal programming error: the
// blockchain collaborator must never extend the same block twice without an
// intervening revert.
func (p *EquivocationPool) ApplyBlock(b BlockInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, already := p.appliedAt[b.Hash]; already {
		panic(errors.Mark(errors.AssertionFailedf("equivocation pool: apply on already-applied block %x", b.Hash), ErrUnknownBlock))
	}

	consumed := make([]Locator, 0, len(b.Proofs))
	for _, proof := range b.Proofs {
		if _, ok := p.proofs[proof.Locator]; ok {
			delete(p.proofs, proof.Locator)
		}
		consumed = append(consumed, proof.Locator)
		p.included.Remove(proof.Locator)
	}
	p.appliedAt[b.Hash] = consumed
	metrics.EquivocationPoolSize.Set(float64(len(p.proofs)))
}

// RevertBlock restores the proofs a previously applied block consumed, the
// way a rebranch away from that block must undo its effect on the pool.
// Reverting a block the pool has no applied record of is a fatal
// programming error: the orchestrator must only revert blocks it previously
// applied.
func (p *EquivocationPool) RevertBlock(b BlockInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, applied := p.appliedAt[b.Hash]; !applied {
		panic(errors.Mark(errors.AssertionFailedf("equivocation pool: revert of unrecorded block %x", b.Hash), ErrUnknownBlock))
	}

	for _, proof := range b.Proofs {
		if _, already := p.proofs[proof.Locator]; !already {
			p.proofs[proof.Locator] = proof
		}
	}
	delete(p.appliedAt, b.Hash)
	metrics.EquivocationPoolSize.Set(float64(len(p.proofs)))
}

// Rebranch reverts old in order then applies new in order, the composite
// operation the orchestrator performs on a Rebranched blockchain event.
func (p *EquivocationPool) Rebranch(old, new []BlockInfo) {
	for _, b := range old {
		p.RevertBlock(b)
	}
	for _, b := range new {
		p.ApplyBlock(b)
	}
}

// GetEquivocationProofsForBlock selects proofs for inclusion in the next
// micro block, lowest-locator-first, greedy by serialized size, stopping
// once the running total would exceed maxBytes. Selection is deterministic
// across equal pool states.
func (p *EquivocationPool) GetEquivocationProofsForBlock(maxBytes int) []EquivocationProof {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]EquivocationProof, 0, len(p.proofs))
	for locator, proof := range p.proofs {
		if p.included.Contains(locator) {
			continue
		}
		candidates = append(candidates, proof)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return locatorLess(candidates[i].Locator, candidates[j].Locator)
	})

	selected := make([]EquivocationProof, 0, len(candidates))
	total := 0
	for _, proof := range candidates {
		size := proof.SerializedSize()
		if total+size > maxBytes {
			break
		}
		total += size
		selected = append(selected, proof)
		p.included.Add(proof.Locator)
	}
	return selected
}

// ReleaseIncluded marks a previously selected set of proofs as no longer
// reserved, used when the block that would have included them was dropped
// before becoming canonical.
func (p *EquivocationPool) ReleaseIncluded(proofs []EquivocationProof) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proof := range proofs {
		p.included.Remove(proof.Locator)
	}
}

// Size reports the number of proofs currently pooled (including those
// reserved for an in-flight block).
func (p *EquivocationPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proofs)
}

func locatorLess(a, b Locator) bool {
	if c := bytes.Compare(a.Offender[:], b.Offender[:]); c != 0 {
		return c < 0
	}
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.Kind < b.Kind
}
