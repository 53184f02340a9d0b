package validator

import (
	"context"

	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/metrics"
	"github.com/equa/go-validator/internal/validatorstore"
)

// MacroProducer drives one macro block's BFT round at a fixed height. It
// wraps an injected BFTEngine collaborator (the propose/prevote/precommit
// algorithm itself is out of scope) and enforces the one contract this
// package owns: every Update event is durably persisted before it is
// returned to the caller, so no signing derived from it can be observed
// externally ahead of the write landing on disk.
type MacroProducer struct {
	engine  BFTEngine
	buffer  *ProposalBuffer
	store   *validatorstore.Store
	height  uint64
	log     *log.Logger
}

// NewMacroProducer constructs a driver for the macro block at height. If
// resumed is non-nil, the engine is seeded from it instead of starting at
// round 0.
func NewMacroProducer(engine BFTEngine, buffer *ProposalBuffer, store *validatorstore.Store, height uint64, resumed *MacroState) *MacroProducer {
	if resumed != nil {
		engine.Resume(resumed)
	}
	buffer.SetCurrentHeight(height)
	metrics.MacroRoundsStarted.Inc()
	return &MacroProducer{
		engine: engine,
		buffer: buffer,
		store:  store,
		height: height,
		log:    log.Module("macro").With("height", height),
	}
}

// Height returns the block number this driver is producing.
func (m *MacroProducer) Height() uint64 {
	return m.height
}

// Poll drains every proposal buffered for this height and feeds each
// through the BFT engine, persisting any resulting Update before returning
// it. A stale Update is discarded and the remaining proposals are still
// processed. Proposals of one round are fed in arrival order; the order
// between rounds is not defined (see ProposalBuffer.Drain).
func (m *MacroProducer) Poll(ctx context.Context) ([]MacroEvent, error) {
	proposals := m.buffer.Drain(m.height)
	events := make([]MacroEvent, 0, len(proposals))
	for _, gp := range proposals {
		event, err := m.ProcessProposal(ctx, gp)
		if err == ErrStaleUpdate {
			continue
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

// ProcessProposal feeds a single received proposal into the BFT engine.
func (m *MacroProducer) ProcessProposal(ctx context.Context, gp GossipProposal) (MacroEvent, error) {
	if gp.Proposal.Height != m.height {
		m.log.Debug("dropping proposal for wrong height", "proposalHeight", gp.Proposal.Height)
		return MacroEvent{Kind: MacroProposalIgnored, GossipID: gp.ID}, nil
	}
	event := m.engine.ProcessProposal(gp.Proposal, gp.ID)
	return m.persistIfUpdate(event)
}

// ProcessContribution feeds a peer's aggregation contribution, received via
// the Handel collaborator, into the BFT engine for the current step.
func (m *MacroProducer) ProcessContribution(ctx context.Context, contribution *TendermintContribution) (MacroEvent, error) {
	event := m.engine.ProcessContribution(contribution)
	return m.persistIfUpdate(event)
}

// persistIfUpdate writes the new round state to storage before returning
// any Update event, and discards updates for a height other than this
// driver's own (the spec's "chain_head + 1" staleness check, already
// enforced by this driver only ever being constructed for one height).
func (m *MacroProducer) persistIfUpdate(event MacroEvent) (MacroEvent, error) {
	if event.Kind != MacroUpdateEvent {
		return event, nil
	}
	if uint64(event.State.Height) != m.height {
		m.log.Debug("discarding stale macro state update", "updateHeight", event.State.Height)
		return MacroEvent{}, ErrStaleUpdate
	}

	encoded, err := EncodeMacroState(event.State)
	if err != nil {
		// A storage write that cannot even be encoded is the same class of
		// failure as an I/O error: safety cannot be preserved, so this
		// propagates rather than silently skipping the persist step.
		panic(err)
	}
	if err := m.store.Put(encoded); err != nil {
		panic(err)
	}
	return event, nil
}

// State returns the engine's current round state, used by the typed
// RequestProposal responder to serve catch-up requests from peers.
func (m *MacroProducer) State() *MacroState {
	return m.engine.State()
}
