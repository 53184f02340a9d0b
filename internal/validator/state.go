package validator

import (
	"sync"
	"sync/atomic"

	"github.com/equa/go-validator/internal/bls"
	"github.com/equa/go-validator/internal/schnorrkey"
)

// ConsensusState is the shared, multi-reader/single-writer status the
// orchestrator updates on every consensus event. is_synced is derived, not
// stored, to keep the invariant `is_synced == established && windowSynced`
// from ever drifting.
type ConsensusState struct {
	mu                   sync.RWMutex
	consensusEstablished bool
	validityWindowSynced bool

	Equivocation *EquivocationPool
}

// NewConsensusState builds a fresh, not-yet-synced ConsensusState sharing
// the given equivocation pool.
func NewConsensusState(pool *EquivocationPool) *ConsensusState {
	return &ConsensusState{Equivocation: pool}
}

// Update applies a consensus event's reported established/synced bits and
// returns the previous IsSynced value, so callers can detect the
// synced/not-synced edge without a second lock acquisition.
func (c *ConsensusState) Update(established, windowSynced bool) (wasSynced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasSynced = c.consensusEstablished && c.validityWindowSynced
	c.consensusEstablished = established
	c.validityWindowSynced = windowSynced
	return wasSynced
}

// IsSynced reports consensus_established && validity_window_synced.
func (c *ConsensusState) IsSynced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consensusEstablished && c.validityWindowSynced
}

// ConsensusEstablished reports whether the latest consensus event reported
// consensus as established, independent of validity-window sync.
func (c *ConsensusState) ConsensusEstablished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consensusEstablished
}

// slotBandHolder is a lock-free container for the option<u16> slot band,
// shared between the orchestrator and the cheap ValidatorProxy handle.
type slotBandHolder struct {
	value atomic.Pointer[uint16]
}

func (h *slotBandHolder) set(band SlotBand) {
	h.value.Store(band)
}

func (h *slotBandHolder) get() SlotBand {
	return h.value.Load()
}

// ValidatorProxy is the cheap, clone-able, read-mostly façade the spec
// names in §6: shared handles to identity, slot band, consensus state, and
// a writable automatic_reactivate flag, lifetime-pegged to the owning
// Orchestrator.
type ValidatorProxy struct {
	Address             Address
	SigningKey          *schnorrkey.KeyPair
	VotingKey           *bls.KeyPair
	FeeKey              *schnorrkey.KeyPair
	AutomaticReactivate *atomic.Bool
	Consensus           *ConsensusState

	slotBand *slotBandHolder
}

// SlotBand returns the validator's current slot band, or nil if unelected.
func (p *ValidatorProxy) SlotBand() SlotBand {
	return p.slotBand.get()
}

func newValidatorProxy(identity ValidatorIdentity, consensus *ConsensusState, automaticReactivate bool, holder *slotBandHolder) *ValidatorProxy {
	flag := &atomic.Bool{}
	flag.Store(automaticReactivate)
	return &ValidatorProxy{
		Address:             identity.Address,
		SigningKey:          identity.SigningKey,
		VotingKey:           identity.VotingKey,
		FeeKey:              identity.FeeKey,
		AutomaticReactivate: flag,
		Consensus:           consensus,
		slotBand:            holder,
	}
}
