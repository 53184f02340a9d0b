package validator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/equa/go-validator/internal/validatorstore"
)

// fakeBFTEngine is a minimal, scriptable BFTEngine test double: each call to
// ProcessProposal/ProcessContribution pops the next queued response.
type fakeBFTEngine struct {
	responses []MacroEvent
	resumed   *MacroState
	state     *MacroState
	processed []Proposal
}

func (f *fakeBFTEngine) ProcessProposal(proposal Proposal, gossipID *uuid.UUID) MacroEvent {
	f.processed = append(f.processed, proposal)
	return f.pop()
}

func (f *fakeBFTEngine) ProcessContribution(contribution *TendermintContribution) MacroEvent {
	return f.pop()
}

func (f *fakeBFTEngine) Resume(state *MacroState) {
	f.resumed = state
	f.state = state
}

func (f *fakeBFTEngine) State() *MacroState {
	return f.state
}

func (f *fakeBFTEngine) pop() MacroEvent {
	if len(f.responses) == 0 {
		return MacroEvent{Kind: MacroProposalIgnored}
	}
	ev := f.responses[0]
	f.responses = f.responses[1:]
	if ev.Kind == MacroUpdateEvent {
		f.state = ev.State
	}
	return ev
}

func openTestStore(t *testing.T) *validatorstore.Store {
	t.Helper()
	store, err := validatorstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMacroProducerPersistsBeforeReturningUpdate(t *testing.T) {
	store := openTestStore(t)
	state := &MacroState{Height: 50, Round: 1, Step: StepPrevote, Contribution: NewContribution()}
	engine := &fakeBFTEngine{responses: []MacroEvent{{Kind: MacroUpdateEvent, State: state}}}
	buffer := NewProposalBuffer(16)

	producer := NewMacroProducer(engine, buffer, store, 50, nil)

	event, err := producer.ProcessProposal(context.Background(), GossipProposal{Proposal: Proposal{Height: 50, Round: 1}})
	require.NoError(t, err)
	require.Equal(t, MacroUpdateEvent, event.Kind)

	raw, ok, err := store.Get()
	require.NoError(t, err)
	require.True(t, ok, "update must be durably persisted before being returned")

	decoded, err := DecodeMacroState(raw)
	require.NoError(t, err)
	require.Equal(t, state.Height, decoded.Height)
	require.Equal(t, state.Round, decoded.Round)
}

func TestMacroProducerResumesFromPersistedState(t *testing.T) {
	store := openTestStore(t)
	resumed := &MacroState{Height: 60, Round: 4, Step: StepPrecommit, Contribution: NewContribution()}
	engine := &fakeBFTEngine{}
	buffer := NewProposalBuffer(16)

	producer := NewMacroProducer(engine, buffer, store, 60, resumed)

	require.Equal(t, resumed, engine.resumed, "a resumed state must seed the engine via Resume")
	require.Equal(t, uint64(60), producer.Height())
}

func TestMacroProducerDropsProposalsForWrongHeight(t *testing.T) {
	store := openTestStore(t)
	engine := &fakeBFTEngine{responses: []MacroEvent{{Kind: MacroUpdateEvent, State: &MacroState{Height: 10}}}}
	buffer := NewProposalBuffer(16)
	producer := NewMacroProducer(engine, buffer, store, 10, nil)

	event, err := producer.ProcessProposal(context.Background(), GossipProposal{Proposal: Proposal{Height: 11}})
	require.NoError(t, err)
	require.Equal(t, MacroProposalIgnored, event.Kind)

	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok, "a wrong-height proposal must never reach the engine or storage")
}

func TestMacroProducerPollDrainsBufferedProposalsInOrder(t *testing.T) {
	store := openTestStore(t)
	engine := &fakeBFTEngine{responses: []MacroEvent{
		{Kind: MacroProposalAccepted},
		{Kind: MacroProposalAccepted},
	}}
	buffer := NewProposalBuffer(16)
	producer := NewMacroProducer(engine, buffer, store, 5, nil)

	id1 := uuid.New()
	id2 := uuid.New()
	var h1, h2 Hash
	h1[0], h2[0] = 1, 2
	buffer.Offer(GossipProposal{ID: &id1, Proposal: Proposal{Height: 5, Round: 0, Hash: h1}})
	buffer.Offer(GossipProposal{ID: &id2, Proposal: Proposal{Height: 5, Round: 0, Hash: h2}})

	events, err := producer.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, engine.processed, 2)
	require.Equal(t, h1, engine.processed[0].Hash)
	require.Equal(t, h2, engine.processed[1].Hash)
}
