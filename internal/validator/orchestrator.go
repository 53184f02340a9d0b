package validator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/equa/go-validator/internal/bls"
	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/metrics"
	"github.com/equa/go-validator/internal/validatorstore"
)

// Config bundles everything the Orchestrator needs at construction time.
type Config struct {
	Identity            ValidatorIdentity
	AutomaticReactivate bool
	NetworkID           uint32
	BlocksPerEpoch      uint64
	BlockSeparationTime time.Duration
	ProducerTimeout     time.Duration
	ProposalBufferSize  int
	StakingCheckPeriod  time.Duration

	Blockchain Blockchain
	Network    Network
	Staking    StakingContractView
	Mempool    Mempool
	TxPipe     TxBroadcaster
	Store      *validatorstore.Store
	Sealer     BlockSealer

	// NewBFTEngine builds a fresh BFT engine collaborator for a macro
	// block height; the Orchestrator calls Resume on it itself when
	// restoring persisted round state.
	NewBFTEngine func(height uint64) BFTEngine
}

// Orchestrator is the single authoritative reactor described in spec §4.1:
// it owns every sub-producer, the equivocation pool, and the inactivity
// state, and advances them in response to four strictly-ordered event
// streams plus its own producer and staking-check passes.
type Orchestrator struct {
	cfg Config

	mu             sync.RWMutex
	consensus      *ConsensusState
	slotBandHolder *slotBandHolder
	proxy          *ValidatorProxy
	reactivation   *ReactivationManager
	buffer         *ProposalBuffer

	macroProducer *MacroProducer
	microProducer *MicroProducer

	pendingMacroState *MacroState

	consensusCh  chan ConsensusEvent
	blockchainCh chan BlockchainEvent
	forkCh       chan ForkEvent
	networkCh    chan NetworkEvent

	// wake is signalled (non-blocking, capacity 1) whenever any Push*
	// method enqueues an event, so run's select loop never has to pick
	// among the four event channels itself — that picking is exactly the
	// randomized behavior spec §5 forbids. Actual draining always happens
	// through drainPass, in the fixed order, regardless of which channel
	// woke the loop.
	wake chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	log *log.Logger
}

// NewOrchestrator builds an Orchestrator. It reads any persisted MacroState
// so that, once a macro producer is constructed for the matching height,
// it resumes rather than starting at round 0, and installs the inbound
// MacroState catch-up responder.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	pool := NewEquivocationPool()
	consensus := NewConsensusState(pool)
	holder := &slotBandHolder{}
	proxy := newValidatorProxy(cfg.Identity, consensus, cfg.AutomaticReactivate, holder)

	o := &Orchestrator{
		cfg:            cfg,
		consensus:      consensus,
		slotBandHolder: holder,
		proxy:          proxy,
		reactivation:   NewReactivationManager(cfg.NetworkID),
		buffer:         NewProposalBuffer(cfg.ProposalBufferSize),
		consensusCh:    make(chan ConsensusEvent, 16),
		blockchainCh:   make(chan BlockchainEvent, 64),
		forkCh:         make(chan ForkEvent, 64),
		networkCh:      make(chan NetworkEvent, 4),
		wake:           make(chan struct{}, 1),
		log:            log.Module("orchestrator"),
	}

	if raw, ok, err := cfg.Store.Get(); err != nil {
		return nil, errors.Wrap(err, "orchestrator: read persisted macro state")
	} else if ok {
		state, err := DecodeMacroState(raw)
		if err != nil {
			return nil, errors.Wrap(err, "orchestrator: decode persisted macro state")
		}
		o.pendingMacroState = state
	}

	cfg.Network.RegisterMacroStateHandler(o.serveMacroState)
	return o, nil
}

// Proxy returns the cheap, read-mostly façade described in spec §6.
func (o *Orchestrator) Proxy() *ValidatorProxy {
	return o.proxy
}

// PushConsensusEvent, PushBlockchainEvent, PushForkEvent, and
// PushNetworkEvent are how the owning supervisor feeds events into the
// reactor. Each enqueues onto its own buffered channel and then signals
// wake; the reactor itself decides the processing order in drainPass.
func (o *Orchestrator) PushConsensusEvent(ev ConsensusEvent) {
	o.consensusCh <- ev
	o.signalWake()
}

func (o *Orchestrator) PushBlockchainEvent(ev BlockchainEvent) {
	o.blockchainCh <- ev
	o.signalWake()
}

func (o *Orchestrator) PushForkEvent(ev ForkEvent) {
	o.forkCh <- ev
	o.signalWake()
}

func (o *Orchestrator) PushNetworkEvent(ev NetworkEvent) {
	o.networkCh <- ev
	o.signalWake()
}

// CloseConsensusEvents marks the consensus stream terminal. Per spec §4.1,
// a closed consensus-event stream ends the orchestrator's run loop.
func (o *Orchestrator) CloseConsensusEvents() {
	close(o.consensusCh)
	o.signalWake()
}

func (o *Orchestrator) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the reactor loop and the network-to-buffer pump.
func (o *Orchestrator) Start(ctx context.Context) error {
	var err error
	o.startOnce.Do(func() {
		o.ctx, o.cancel = context.WithCancel(ctx)
		o.wg.Add(2)
		go o.pumpProposals()
		go o.run()
	})
	return err
}

// Stop cancels the reactor and waits for its owned goroutines to exit. It
// does not wait on detached tasks (the DHT record publish started on
// DhtReady), which own independent contexts. The reactivation broadcast is
// not detached: it runs inline on the reactor under the orchestrator's
// context, so Stop cancels a broadcast still in progress.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
		if o.cfg.Mempool != nil {
			o.cfg.Mempool.Stop()
		}
	})
}

// pumpProposals is the network task side of the Proposal Buffer's
// single-producer contract: it never mutates orchestrator state directly,
// only offers into the bounded buffer.
func (o *Orchestrator) pumpProposals() {
	defer o.wg.Done()
	sub := o.cfg.Network.Subscribe()
	for {
		select {
		case <-o.ctx.Done():
			return
		case gp, ok := <-sub:
			if !ok {
				return
			}
			if !o.buffer.Offer(gp) {
				if gp.ID != nil {
					o.cfg.Network.Ack(*gp.ID, AckIgnore)
				}
			}
		}
	}
}

// run is the single-threaded cooperative reactor. It only ever blocks
// waiting for ctx cancellation, a wake signal, or the staking-check
// ticker; every actual event is processed by drainPass in the fixed order
// spec §5 requires, independent of which channel caused the wake.
func (o *Orchestrator) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.StakingCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			o.drainPass(false)
			return
		case <-o.wake:
			if o.drainPass(false) == errConsensusClosed {
				return
			}
		case <-ticker.C:
			if o.drainPass(true) == errConsensusClosed {
				return
			}
		}
	}
}

type drainOutcome int

const (
	drainOK drainOutcome = iota
	errConsensusClosed
)

// drainPass drains every ready event from all four streams in the fixed
// order consensus -> blockchain -> fork, runs the active producer's poll,
// runs the staking check when tick is true, and finally drains any ready
// network events. It keeps looping over consensus/blockchain/fork until a
// pass drains nothing, so a single wake-up clears the whole backlog.
func (o *Orchestrator) drainPass(tick bool) drainOutcome {
	for {
		drainedAny := false
		select {
		case ev, ok := <-o.consensusCh:
			if !ok {
				o.log.Info("consensus event stream closed, stopping orchestrator")
				return errConsensusClosed
			}
			o.handleConsensusEvent(ev)
			drainedAny = true
		default:
		}
		select {
		case ev := <-o.blockchainCh:
			o.handleBlockchainEvent(ev)
			drainedAny = true
		default:
		}
		select {
		case ev := <-o.forkCh:
			o.handleForkEvent(ev)
			drainedAny = true
		default:
		}
		if !drainedAny {
			break
		}
	}

	o.pollProducer()
	if tick {
		o.stakingCheck()
	}

	for {
		select {
		case ev := <-o.networkCh:
			o.handleNetworkEvent(ev)
		default:
			return drainOK
		}
	}
}

func (o *Orchestrator) handleConsensusEvent(ev ConsensusEvent) {
	wasSynced := o.consensus.Update(ev.ConsensusEstablished, ev.ValidityWindowSynced)
	isSynced := o.consensus.IsSynced()
	if !wasSynced && isSynced {
		o.initValidator()
	} else if wasSynced && !isSynced {
		o.pause()
	}
}

func (o *Orchestrator) handleBlockchainEvent(ev BlockchainEvent) {
	switch ev.Kind {
	case EventExtended:
		o.consensus.Equivocation.ApplyBlock(ev.Block)
		if o.consensus.IsSynced() {
			o.cfg.Mempool.UpdateDiff(o.ctx, ev.Block)
		}
		o.maybeInitBlockProducer(ev.Block.Height + 1)
	case EventHistoryAdopted:
		if o.consensus.IsSynced() {
			o.cfg.Mempool.Clean(o.ctx, ev.Block)
		}
	case EventFinalized:
		o.consensus.Equivocation.ApplyBlock(ev.Block)
		if o.consensus.IsSynced() {
			o.cfg.Mempool.UpdateDiff(o.ctx, ev.Block)
		}
		o.maybeInitBlockProducer(ev.Block.Height + 1)
	case EventEpochFinalized:
		o.initEpoch(ev.Block.Hash)
		o.consensus.Equivocation.ApplyBlock(ev.Block)
		if o.consensus.IsSynced() {
			o.cfg.Mempool.UpdateDiff(o.ctx, ev.Block)
		}
		o.maybeInitBlockProducer(ev.Block.Height + 1)
	case EventRebranched:
		o.consensus.Equivocation.Rebranch(ev.OldChain, ev.NewChain)
		if len(ev.NewChain) > 0 && len(ev.OldChain) > 0 {
			o.cfg.Mempool.Rebranch(o.ctx, ev.NewChain[len(ev.NewChain)-1], ev.OldChain[len(ev.OldChain)-1])
		}
		if len(ev.NewChain) > 0 {
			o.maybeInitBlockProducer(ev.NewChain[len(ev.NewChain)-1].Height + 1)
		}
	case EventStored:
		// Forks are handled exclusively via the fork event stream.
	}
}

func (o *Orchestrator) handleForkEvent(ev ForkEvent) {
	if !o.consensus.ConsensusEstablished() {
		return
	}
	if o.consensus.Equivocation.Contains(ev.Proof.Locator) {
		return
	}
	o.consensus.Equivocation.Insert(ev.Proof)
}

func (o *Orchestrator) handleNetworkEvent(ev NetworkEvent) {
	switch ev.Kind {
	case NetworkDhtReady:
		sig := o.proxy.VotingKey.Sign(o.proxy.VotingKey.Public.Bytes())
		// A detached task: it runs under its own Background-rooted timeout
		// context and is not tracked by the orchestrator's WaitGroup, so
		// cancelling the orchestrator does not cancel this publish.
		go func(pub []byte, sig bls.Signature) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.cfg.Network.PublishDHTRecord(ctx, pub, sig.Bytes()); err != nil {
				o.log.Warn("failed to publish dht record", "error", err)
			}
		}(o.proxy.VotingKey.Public.Bytes(), sig)
	}
}

func (o *Orchestrator) pollProducer() {
	switch {
	case o.macroProducer != nil:
		events, err := o.macroProducer.Poll(o.ctx)
		if err != nil && !errors.Is(err, ErrStaleUpdate) {
			o.log.Error("macro producer poll failed", "error", err)
		}
		for _, ev := range events {
			o.handleMacroEvent(ev)
		}
	case o.microProducer != nil:
		now := time.Now()
		if o.microProducer.Expired(now) {
			o.log.Warn("micro producer timed out, yielding to skip-block protocol", "height", o.microProducer.Height())
			o.microProducer = nil
			return
		}
		if !o.microProducer.Ready(now) {
			return
		}
		block, err := o.microProducer.Produce(o.ctx, now)
		if err != nil {
			if !errors.Is(err, ErrProducerNotReady) {
				o.log.Error("micro block production failed", "error", err)
			}
			return
		}
		o.pushAndPublish(block)
	}
}

func (o *Orchestrator) handleMacroEvent(ev MacroEvent) {
	switch ev.Kind {
	case MacroProposalAccepted:
		if ev.GossipID != nil {
			o.cfg.Network.Ack(*ev.GossipID, AckAccept)
		}
	case MacroProposalIgnored:
		if ev.GossipID != nil {
			o.cfg.Network.Ack(*ev.GossipID, AckIgnore)
		}
	case MacroProposalRejected:
		if ev.GossipID != nil {
			o.cfg.Network.Ack(*ev.GossipID, AckReject)
		}
	case MacroUpdateEvent:
		// Already durably persisted by MacroProducer.persistIfUpdate before
		// this event reached us; nothing further to do here.
	case MacroDecision:
		o.pushAndPublish(*ev.Block)
	}
}

// pushAndPublish hands a locally produced block to the blockchain
// collaborator and, only on success, publishes BlockTopic strictly before
// BlockHeaderTopic (T8). A push failure is logged and dropped; the
// orchestrator never retries locally because a competing head will be
// re-observed through a later blockchain event.
func (o *Orchestrator) pushAndPublish(block Block) {
	result, err := o.cfg.Blockchain.PushBlock(o.ctx, block, false)
	if err != nil {
		o.log.Warn("failed to push locally produced block", "height", block.Height, "error", err)
		if o.microProducer != nil {
			o.microProducer.Abandon()
		}
		return
	}
	if result != PushExtended && result != PushRebranched {
		if o.microProducer != nil {
			o.microProducer.Abandon()
		}
		return
	}

	headerOnly := block
	if block.Type == BlockTypeMicro {
		headerOnly.Body = nil
	}
	if err := o.cfg.Network.Publish(o.ctx, TopicBlock, block); err != nil {
		o.log.Debug("failed to publish to block topic", "error", err)
	}
	if err := o.cfg.Network.Publish(o.ctx, TopicBlockHeader, headerOnly); err != nil {
		o.log.Debug("failed to publish to block header topic", "error", err)
	}
}

func (o *Orchestrator) stakingCheck() {
	if !o.consensus.IsSynced() {
		return
	}
	head := o.cfg.Blockchain.HeadHash()
	status, err := o.cfg.Staking.Status(head, o.proxy.Address)
	if err != nil {
		o.log.Debug("failed to read staking status", "error", err)
		return
	}
	automatic := o.proxy.AutomaticReactivate.Load()
	_, err = o.reactivation.Tick(o.ctx, status, o.cfg.Blockchain.HeadHeight(), automatic, o.cfg.Staking.BlockAfterJail, o.cfg.Identity, o.cfg.TxPipe)
	if err != nil {
		o.log.Debug("reactivation tick failed", "error", err)
	}
}

// initValidator is the `init` transition on the ¬synced → synced edge.
func (o *Orchestrator) initValidator() {
	head := o.cfg.Blockchain.HeadHash()
	o.initEpoch(head)
	o.initMempool()
	o.maybeInitBlockProducer(o.cfg.Blockchain.HeadHeight() + 1)
}

// pause is the `pause` transition on the synced → ¬synced edge.
func (o *Orchestrator) pause() {
	o.macroProducer = nil
	o.microProducer = nil
	o.slotBandHolder.set(nil)
	if o.cfg.Mempool != nil {
		o.cfg.Mempool.Stop()
		metrics.MempoolActive.Set(0)
	}
}

func (o *Orchestrator) initMempool() {
	if o.cfg.Mempool == nil {
		return
	}
	o.cfg.Mempool.Start(o.ctx)
	metrics.MempoolActive.Set(1)
}

// initEpoch recomputes the slot band from the new validator set, informs
// the network of the new slot id, publishes the new validator set's voting
// keys, and checks whether an in-flight reactivation's validity window has
// lapsed.
func (o *Orchestrator) initEpoch(headHash Hash) {
	band, err := o.cfg.Staking.SlotBandOf(headHash, o.proxy.Address)
	if err != nil {
		o.log.Warn("failed to read slot band", "error", err)
	} else {
		o.slotBandHolder.set(band)
		if err := o.cfg.Network.AnnounceSlotBand(o.ctx, band); err != nil {
			o.log.Debug("failed to announce slot band", "error", err)
		}
	}

	set, err := o.cfg.Staking.ValidatorSet(headHash)
	if err != nil {
		o.log.Warn("failed to read validator set", "error", err)
	} else if err := o.cfg.Network.PublishValidatorSet(o.ctx, set); err != nil {
		o.log.Debug("failed to publish validator set", "error", err)
	}

	if inFlight := o.reactivation.InFlight(); inFlight != nil {
		inHistory := o.cfg.Blockchain.HasTransaction(inFlight.TxHash)
		o.reactivation.CheckValidityWindowExpiry(o.cfg.Blockchain.HeadHeight(), o.cfg.BlocksPerEpoch, inHistory)
	}
}

// maybeInitBlockProducer (re)initializes the producer for height, only
// while synced and elected (slot band present).
func (o *Orchestrator) maybeInitBlockProducer(height uint64) {
	if !o.consensus.IsSynced() {
		return
	}
	if o.slotBandHolder.get() == nil {
		o.macroProducer = nil
		o.microProducer = nil
		return
	}
	o.initBlockProducer(height)
}

func (o *Orchestrator) initBlockProducer(height uint64) {
	switch o.cfg.Blockchain.BlockTypeOf(height) {
	case BlockTypeMacro:
		var resumed *MacroState
		if o.pendingMacroState != nil && uint64(o.pendingMacroState.Height) == height {
			resumed = o.pendingMacroState
			o.pendingMacroState = nil
		}
		engine := o.cfg.NewBFTEngine(height)
		o.macroProducer = NewMacroProducer(engine, o.buffer, o.cfg.Store, height, resumed)
		o.microProducer = nil
	case BlockTypeMicro:
		o.microProducer = NewMicroProducer(
			o.consensus.Equivocation,
			o.cfg.Sealer,
			height,
			o.cfg.Blockchain.HeadTimestamp(),
			o.cfg.Blockchain.HeadVRFSeed(),
			o.cfg.BlockSeparationTime,
			o.cfg.ProducerTimeout,
		)
		o.macroProducer = nil
	}
}

// serveMacroState is the typed request/response handler registered with
// the network collaborator, serving the active macro producer's round
// state (or a persisted-but-not-yet-resumed one) to peers catching up.
func (o *Orchestrator) serveMacroState(height uint64) (*MacroState, bool) {
	if o.macroProducer != nil && o.macroProducer.Height() == height {
		return o.macroProducer.State(), true
	}
	if o.pendingMacroState != nil && uint64(o.pendingMacroState.Height) == height {
		return o.pendingMacroState, true
	}
	return nil, false
}
