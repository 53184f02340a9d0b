package validator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Blockchain is the collaborator owning chain state, push, and fork logic.
// The orchestrator only reads head info and hands it finished blocks.
type Blockchain interface {
	HeadHash() Hash
	HeadHeight() uint64
	HeadTimestamp() time.Time
	HeadVRFSeed() Hash
	BlockTypeOf(height uint64) BlockType
	PushBlock(ctx context.Context, block Block, trusted bool) (PushResult, error)
	// HasTransaction reports whether hash has been observed in chain
	// history, used to decide whether a reactivation tx's validity window
	// has lapsed without it being mined.
	HasTransaction(hash Hash) bool
}

// Network is the gossip/pubsub collaborator: publish/subscribe and typed
// request/response, named directly after the topics in spec §6.
type Network interface {
	Publish(ctx context.Context, topic Topic, block Block) error
	PublishDHTRecord(ctx context.Context, pubKey []byte, signature []byte) error
	Subscribe() <-chan GossipProposal
	Ack(id uuid.UUID, ack AckKind)
	// RegisterMacroStateHandler installs the typed request/response handler
	// that serves this validator's current MacroState to peers asking for
	// catch-up (the inbound side of RequestProposal in spec §6).
	RegisterMacroStateHandler(handler func(height uint64) (*MacroState, bool))
	AnnounceSlotBand(ctx context.Context, band SlotBand) error
	PublishValidatorSet(ctx context.Context, set []ValidatorSetEntry) error
}

// Mempool is the executor collaborator that feeds transactions to the
// micro producer; its internals are opaque to this package.
type Mempool interface {
	Start(ctx context.Context)
	Stop()
	UpdateDiff(ctx context.Context, extended BlockInfo)
	Clean(ctx context.Context, adopted BlockInfo)
	Rebranch(ctx context.Context, newHead, oldHead BlockInfo)
}

// StakingContractView is the read-only staking contract collaborator.
type StakingContractView interface {
	Status(headHash Hash, addr Address) (StakingStatus, error)
	SlotBandOf(headHash Hash, addr Address) (SlotBand, error)
	ValidatorSet(headHash Hash) ([]ValidatorSetEntry, error)
	BlockAfterJail(jailedFrom uint32) uint64
}

// BFTEngine is the Tendermint-style BFT state machine collaborator. Its
// propose/prevote/precommit algorithm and f+1 catch-up logic are out of
// scope here; this package only fixes the interface and the persistence
// ordering around it.
type BFTEngine interface {
	ProcessProposal(proposal Proposal, gossipID *uuid.UUID) MacroEvent
	ProcessContribution(contribution *TendermintContribution) MacroEvent
	Resume(state *MacroState)
	State() *MacroState
}

// TxBroadcaster is the consensus transaction pipe collaborator used to
// broadcast the reactivation transaction. internal/txpipe.Pipe satisfies it.
type TxBroadcaster interface {
	BroadcastReactivation(ctx context.Context, rawTx []byte) (txHash string, err error)
}
