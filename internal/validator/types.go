// Package validator implements the validator orchestrator: the reactor
// that decides whether a node should be producing micro or macro blocks,
// drives the macro block's BFT round to a decision, keeps the equivocation
// proof pool in sync with the canonical chain, and keeps the validator's
// on-chain staking status reactivated.
package validator

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/equa/go-validator/internal/bls"
	"github.com/equa/go-validator/internal/schnorrkey"
)

// Address is the 20-byte account identifier of a validator.
type Address [20]byte

// Hash identifies a block or a BFT proposal by content digest.
type Hash [32]byte

// ValidatorIdentity is immutable for the lifetime of an orchestrator run.
type ValidatorIdentity struct {
	Address    Address
	SigningKey *schnorrkey.KeyPair
	VotingKey  *bls.KeyPair
	FeeKey     *schnorrkey.KeyPair
}

// SlotBand is the validator's BFT voting slot range for the current epoch.
// A nil SlotBand means the validator is not elected.
type SlotBand = *uint16

// StakingKind discriminates the StakingStatus tagged union.
type StakingKind int

const (
	StakingActive StakingKind = iota
	StakingInactive
	StakingNoStake
	StakingUnknown
)

// StakingStatus mirrors the Rust source's ValidatorStakingState exactly:
// Active, Inactive(jailed_from), NoStake, Unknown.
type StakingStatus struct {
	Kind        StakingKind
	JailedFrom  *uint32 // only meaningful when Kind == StakingInactive
}

// InactivityState remembers an in-flight reactivation transaction.
type InactivityState struct {
	TxHash              Hash
	ValidityWindowStart uint32
}

// TendermintStep is one of the three phases of a BFT round.
type TendermintStep int

const (
	StepPropose TendermintStep = iota
	StepPrevote
	StepPrecommit
)

// MacroState is the durable BFT round state for the macro block currently
// under construction. Exactly one instance is persisted per validator
// storage environment, under the ValidatorState table.
type MacroState struct {
	Height       uint32
	Round        uint32
	Step         TendermintStep
	LockedValue  *Hash
	LockedRound  *uint32
	ValidValue   *Hash
	ValidRound   *uint32
	Contribution *TendermintContribution
}

// EquivocationKind discriminates the kind of protocol violation an
// equivocation proof attests to.
type EquivocationKind int

const (
	EquivocationDoubleProposal EquivocationKind = iota
	EquivocationDoubleVote
)

// Locator is the minimal identifier of an equivocation, used for
// deduplication in the EquivocationProofPool.
type Locator struct {
	Offender    Address
	BlockNumber uint64
	Kind        EquivocationKind
}

// EquivocationProof is evidence that Locator.Offender double-signed at
// Locator.BlockNumber. Evidence is opaque to this package; verifying it is
// the cryptographic collaborator's job.
type EquivocationProof struct {
	Locator  Locator
	Evidence []byte
}

// SerializedSize is the approximate on-wire size counted against the
// EQUIVOCATION_PROOFS_MAX_SIZE budget.
func (p EquivocationProof) SerializedSize() int {
	return 20 + 8 + 1 + len(p.Evidence)
}

// BlockType distinguishes macro from micro blocks.
type BlockType int

const (
	BlockTypeMicro BlockType = iota
	BlockTypeMacro
)

// Block is the minimal block shape the orchestrator pushes and publishes.
// The wire format is out of scope; this only carries what the orchestrator
// itself inspects.
type Block struct {
	Height     uint64
	Hash       Hash
	ParentHash Hash
	Type       BlockType
	Body       []byte
	Proofs     []EquivocationProof
}

// PushResult is the outcome of handing a block to the blockchain collaborator.
type PushResult int

const (
	PushIgnored PushResult = iota
	PushExtended
	PushRebranched
	PushRejected
)

// Topic names the two publish topics named in the spec.
type Topic int

const (
	TopicBlock Topic = iota
	TopicBlockHeader
)

// AckKind is how a gossiped proposal delivery is acknowledged back to the
// pub/sub layer for peer scoring.
type AckKind int

const (
	AckAccept AckKind = iota
	AckIgnore
	AckReject
)

// Proposal is a macro-block proposal as delivered off the wire.
type Proposal struct {
	Height uint64
	Round  uint32
	Hash   Hash
	Body   []byte
}

// GossipProposal pairs a Proposal with its gossip message id, used to ack
// the pub/sub layer. A nil ID means the proposal was produced locally or
// replayed and needs no ack.
type GossipProposal struct {
	ID       *uuid.UUID
	Proposal Proposal
}

// ValidatorSetEntry is one member of the active validator set for an epoch.
type ValidatorSetEntry struct {
	Address   Address
	VotingKey bls.PublicKey
	SlotBand  SlotBand
}

// BlockInfo is the minimal per-block data the equivocation pool needs to
// apply or revert a chain extension/rebranch.
type BlockInfo struct {
	Height uint64
	Hash   Hash
	Proofs []EquivocationProof
}

// BlockchainEventKind discriminates the closed set of blockchain events.
type BlockchainEventKind int

const (
	EventExtended BlockchainEventKind = iota
	EventHistoryAdopted
	EventFinalized
	EventEpochFinalized
	EventRebranched
	EventStored
)

// BlockchainEvent is a tagged variant carrying only the payload relevant to
// its Kind: Block for single-block events, OldChain/NewChain for Rebranched.
type BlockchainEvent struct {
	Kind     BlockchainEventKind
	Block    BlockInfo
	OldChain []BlockInfo
	NewChain []BlockInfo
}

// ConsensusEvent reports a change in the consensus/sync status.
type ConsensusEvent struct {
	ConsensusEstablished bool
	ValidityWindowSynced bool
}

// ForkEvent carries an equivocation proof discovered by the fork detector.
type ForkEvent struct {
	Proof EquivocationProof
}

// NetworkEventKind discriminates network lifecycle events.
type NetworkEventKind int

const (
	NetworkDhtReady NetworkEventKind = iota
)

// NetworkEvent is a tagged variant of network lifecycle notifications.
type NetworkEvent struct {
	Kind NetworkEventKind
}

// MacroEventKind discriminates events emitted by the macro producer driver.
type MacroEventKind int

const (
	MacroProposalAccepted MacroEventKind = iota
	MacroProposalIgnored
	MacroProposalRejected
	MacroUpdateEvent
	MacroDecision
)

// MacroEvent is a tagged variant emitted by the Macro Producer driver.
type MacroEvent struct {
	Kind      MacroEventKind
	GossipID  *uuid.UUID
	State     *MacroState
	Block     *Block
}

// ReactivationTx is the transaction the orchestrator broadcasts to clear an
// Inactive/jailed staking status. Fee is a uint256 to match the monetary
// amount type used throughout the staking contract's ABI.
type ReactivationTx struct {
	ValidatorAddress    Address
	Fee                 *uint256.Int
	ValidityStartHeight uint32
	NetworkID           uint32
	Signature           []byte
}

// slotDeadline tracks the timing window a Micro Producer must respect.
type slotDeadline struct {
	earliest time.Time // BLOCK_SEPARATION_TIME lower bound
	latest   time.Time // PRODUCER_TIMEOUT upper bound
}
