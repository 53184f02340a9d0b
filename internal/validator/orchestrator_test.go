package validator

import (
	"context"
	"sync"
	"time"

	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/equa/go-validator/internal/schnorrkey"
	"github.com/equa/go-validator/internal/validatorstore"
)

type fakeBlockchain struct {
	mu          sync.Mutex
	head        Hash
	headHeight  uint64
	headTime    time.Time
	vrfSeed     Hash
	blockTypes  map[uint64]BlockType
	pushResult  PushResult
	pushErr     error
	pushed      []Block
	hasTx       map[Hash]bool
}

func (b *fakeBlockchain) HeadHash() Hash       { return b.head }
func (b *fakeBlockchain) HeadHeight() uint64   { return b.headHeight }
func (b *fakeBlockchain) HeadTimestamp() time.Time { return b.headTime }
func (b *fakeBlockchain) HeadVRFSeed() Hash    { return b.vrfSeed }

func (b *fakeBlockchain) BlockTypeOf(height uint64) BlockType {
	if t, ok := b.blockTypes[height]; ok {
		return t
	}
	return BlockTypeMicro
}

func (b *fakeBlockchain) PushBlock(ctx context.Context, block Block, trusted bool) (PushResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushed = append(b.pushed, block)
	if b.pushErr != nil {
		return PushIgnored, b.pushErr
	}
	return b.pushResult, nil
}

func (b *fakeBlockchain) HasTransaction(hash Hash) bool {
	return b.hasTx[hash]
}

type publishCall struct {
	topic Topic
	block Block
}

type fakeNetwork struct {
	mu             sync.Mutex
	publishes      []publishCall
	subCh          chan GossipProposal
	handler        func(height uint64) (*MacroState, bool)
	acks           []AckKind
	slotAnnounced  []SlotBand
	publishedSets  [][]ValidatorSetEntry
	dhtPublishes   int
	publishErr     error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{subCh: make(chan GossipProposal, 16)}
}

func (n *fakeNetwork) Publish(ctx context.Context, topic Topic, block Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishes = append(n.publishes, publishCall{topic: topic, block: block})
	return n.publishErr
}

func (n *fakeNetwork) PublishDHTRecord(ctx context.Context, pubKey, signature []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dhtPublishes++
	return nil
}

func (n *fakeNetwork) Subscribe() <-chan GossipProposal { return n.subCh }

func (n *fakeNetwork) Ack(id uuid.UUID, ack AckKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acks = append(n.acks, ack)
}

func (n *fakeNetwork) RegisterMacroStateHandler(handler func(height uint64) (*MacroState, bool)) {
	n.handler = handler
}

func (n *fakeNetwork) AnnounceSlotBand(ctx context.Context, band SlotBand) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slotAnnounced = append(n.slotAnnounced, band)
	return nil
}

func (n *fakeNetwork) PublishValidatorSet(ctx context.Context, set []ValidatorSetEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishedSets = append(n.publishedSets, set)
	return nil
}

type fakeStaking struct {
	slotBand SlotBand
	status   StakingStatus
	set      []ValidatorSetEntry
}

func (s *fakeStaking) Status(head Hash, addr Address) (StakingStatus, error) {
	return s.status, nil
}

func (s *fakeStaking) SlotBandOf(head Hash, addr Address) (SlotBand, error) {
	return s.slotBand, nil
}

func (s *fakeStaking) ValidatorSet(head Hash) ([]ValidatorSetEntry, error) {
	return s.set, nil
}

func (s *fakeStaking) BlockAfterJail(jailedFrom uint32) uint64 {
	return uint64(jailedFrom)
}

type fakeMempool struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (m *fakeMempool) Start(ctx context.Context) { m.mu.Lock(); m.started = true; m.mu.Unlock() }
func (m *fakeMempool) Stop()                     { m.mu.Lock(); m.stopped = true; m.mu.Unlock() }
func (m *fakeMempool) UpdateDiff(ctx context.Context, extended BlockInfo)      {}
func (m *fakeMempool) Clean(ctx context.Context, adopted BlockInfo)            {}
func (m *fakeMempool) Rebranch(ctx context.Context, newHead, oldHead BlockInfo) {}

func band(v uint16) SlotBand { return &v }

func testOrchestrator(t *testing.T, blockchain *fakeBlockchain, network *fakeNetwork, staking *fakeStaking) (*Orchestrator, *validatorstore.Store) {
	t.Helper()
	signing, err := schnorrkey.Generate()
	require.NoError(t, err)
	identity := ValidatorIdentity{Address: Address{0x07}, SigningKey: signing, VotingKey: testVotingKey(t, 55), FeeKey: signing}
	store := openTestStore(t)

	cfg := Config{
		Identity:            identity,
		AutomaticReactivate: true,
		NetworkID:           3782,
		BlocksPerEpoch:      32,
		BlockSeparationTime: 0,
		ProducerTimeout:     2 * time.Hour,
		ProposalBufferSize:  16,
		StakingCheckPeriod:  time.Hour,
		Blockchain:          blockchain,
		Network:             network,
		Staking:             staking,
		Mempool:             &fakeMempool{},
		TxPipe:              &fakeBroadcaster{},
		Store:               store,
		Sealer:              &fakeSealer{},
		NewBFTEngine: func(height uint64) BFTEngine {
			return &fakeBFTEngine{state: &MacroState{Height: uint32(height), Contribution: NewContribution()}}
		},
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	return o, store
}

func TestOrchestratorInitializesMicroProducerWhenSyncedAndElected(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now().Add(-time.Hour), blockTypes: map[uint64]BlockType{6: BlockTypeMicro}}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(2)}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)

	require.NotNil(t, o.microProducer)
	require.Nil(t, o.macroProducer)
	require.NotNil(t, o.Proxy().SlotBand())
	require.Equal(t, uint16(2), *o.Proxy().SlotBand())
}

func TestOrchestratorHasNoProducerWhenNotElected(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now(), blockTypes: map[uint64]BlockType{6: BlockTypeMicro}}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: nil}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)

	require.Nil(t, o.microProducer)
	require.Nil(t, o.macroProducer)
}

func TestOrchestratorClearsProducersWhenDesynced(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now().Add(-time.Hour), blockTypes: map[uint64]BlockType{6: BlockTypeMicro}}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(1)}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)
	require.NotNil(t, o.microProducer)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: false, ValidityWindowSynced: false})
	o.drainPass(false)
	require.Nil(t, o.microProducer)
	require.Nil(t, o.Proxy().SlotBand())
}

func TestOrchestratorInitializesMacroProducerAtMacroHeight(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 31, headTime: time.Now(), blockTypes: map[uint64]BlockType{32: BlockTypeMacro}}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(0)}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)

	require.NotNil(t, o.macroProducer)
	require.Nil(t, o.microProducer)
	require.Equal(t, uint64(32), o.macroProducer.Height())

	state, ok := o.serveMacroState(32)
	require.True(t, ok)
	require.NotNil(t, state)
}

func TestOrchestratorPublishesBlockTopicBeforeBlockHeaderTopic(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now().Add(-time.Hour), blockTypes: map[uint64]BlockType{6: BlockTypeMicro}, pushResult: PushExtended}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(1)}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)
	require.NotNil(t, o.microProducer)

	o.pollProducer()

	require.Len(t, network.publishes, 2)
	require.Equal(t, TopicBlock, network.publishes[0].topic)
	require.Equal(t, TopicBlockHeader, network.publishes[1].topic)
	require.Len(t, blockchain.pushed, 1)
}

func TestOrchestratorAbandonsMicroProducerOnPushFailure(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now().Add(-time.Hour), blockTypes: map[uint64]BlockType{6: BlockTypeMicro}, pushResult: PushRejected}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(1)}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)

	o.pollProducer()

	require.Empty(t, network.publishes, "a rejected push must not be published to either topic")
}

func TestOrchestratorIgnoresForkEventsBeforeConsensusEstablished(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now()}
	network := newFakeNetwork()
	staking := &fakeStaking{}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	proof := proofFor(1, 1, 8)
	o.PushForkEvent(ForkEvent{Proof: proof})
	o.drainPass(false)

	require.False(t, o.consensus.Equivocation.Contains(proof.Locator))
}

func TestOrchestratorRecordsForkEventsAfterConsensusEstablished(t *testing.T) {
	blockchain := &fakeBlockchain{headHeight: 5, headTime: time.Now()}
	network := newFakeNetwork()
	staking := &fakeStaking{}
	o, _ := testOrchestrator(t, blockchain, network, staking)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: false})
	o.drainPass(false)

	proof := proofFor(1, 1, 8)
	o.PushForkEvent(ForkEvent{Proof: proof})
	o.drainPass(false)

	require.True(t, o.consensus.Equivocation.Contains(proof.Locator))
}

func TestOrchestratorResumesPersistedMacroStateAtMatchingHeight(t *testing.T) {
	store := openTestStore(t)
	persisted := &MacroState{Height: 64, Round: 3, Step: StepPrecommit, Contribution: NewContribution()}
	raw, err := EncodeMacroState(persisted)
	require.NoError(t, err)
	require.NoError(t, store.Put(raw))

	signing, err := schnorrkey.Generate()
	require.NoError(t, err)
	identity := ValidatorIdentity{Address: Address{0x09}, SigningKey: signing, VotingKey: testVotingKey(t, 66), FeeKey: signing}

	blockchain := &fakeBlockchain{headHeight: 63, headTime: time.Now(), blockTypes: map[uint64]BlockType{64: BlockTypeMacro}}
	network := newFakeNetwork()
	staking := &fakeStaking{slotBand: band(0)}

	var resumedWith *MacroState
	cfg := Config{
		Identity:            identity,
		AutomaticReactivate: true,
		NetworkID:           3782,
		BlocksPerEpoch:      32,
		ProposalBufferSize:  16,
		StakingCheckPeriod:  time.Hour,
		Blockchain:          blockchain,
		Network:             network,
		Staking:             staking,
		Mempool:             &fakeMempool{},
		TxPipe:              &fakeBroadcaster{},
		Store:               store,
		Sealer:              &fakeSealer{},
		NewBFTEngine: func(height uint64) BFTEngine {
			engine := &fakeBFTEngine{}
			return engine
		},
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	o.PushConsensusEvent(ConsensusEvent{ConsensusEstablished: true, ValidityWindowSynced: true})
	o.drainPass(false)

	require.NotNil(t, o.macroProducer)
	engine := o.macroProducer.engine.(*fakeBFTEngine)
	resumedWith = engine.resumed
	require.NotNil(t, resumedWith)
	require.Equal(t, persisted.Height, resumedWith.Height)
	require.Equal(t, persisted.Round, resumedWith.Round)
}
