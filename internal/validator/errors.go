package validator

import "github.com/cockroachdb/errors"

// Sentinel errors surfaced by the orchestrator and its producers. Most of
// these are logged and ignored per the error policy table; a few are
// deliberately allowed to propagate to a panic (storage failure on
// MacroState write) because persistence failing mid-round cannot be made
// safe any other way.
var (
	// ErrConsensusStreamClosed names the terminal condition of a closed
	// consensus event stream. The run loop detects the closed channel
	// itself (drainPass reports errConsensusClosed) and returns; it does
	// not return this value.
	ErrConsensusStreamClosed = errors.New("validator: consensus event stream closed")

	// ErrOverlapping is returned by TendermintContribution.combine when the
	// two contributions share a contributor slot.
	ErrOverlapping = errors.New("validator: overlapping contributors")

	// ErrStaleUpdate marks a MacroState update for a height other than
	// chain head + 1; callers should discard it silently.
	ErrStaleUpdate = errors.New("validator: stale macro state update")

	// ErrUnknownBlock marks the panic the equivocation pool raises when
	// asked to apply a block it has already applied, or to revert a block
	// it has no applied record of; this is a fatal programming error, not a
	// recoverable one.
	ErrUnknownBlock = errors.New("validator: apply/revert of unrecorded block")

	// ErrNoInFlightReactivation indicates that no InactivityState is
	// recorded.
	ErrNoInFlightReactivation = errors.New("validator: no in-flight reactivation state")

	// ErrBufferFull indicates the proposal buffer applied back-pressure and
	// dropped an incoming proposal.
	ErrBufferFull = errors.New("validator: proposal buffer full")

	// ErrProducerNotReady is returned by MicroProducer.Produce when called
	// before BLOCK_SEPARATION_TIME has elapsed since the previous block, or
	// after the producer has already sealed its block.
	ErrProducerNotReady = errors.New("validator: micro producer not ready")
)
