package validator

import (
	"sync"

	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/metrics"
)

type proposalKey struct {
	Height uint64
	Round  uint32
}

// ProposalBuffer is the single-producer (network task), single-consumer
// (macro driver) buffer of gossiped proposals, keyed by (height, round)
// with bounded overall capacity to apply back-pressure on the gossip
// handler, grounded on the beacon engine's bounded-channel non-blocking
// send pattern in slotTicker/slotProcessor.
type ProposalBuffer struct {
	mu       sync.Mutex
	capacity int
	queues   map[proposalKey][]GossipProposal
	seen     map[proposalKey]map[Hash]struct{}
	size     int
	current  uint64
	log      *log.Logger
}

// NewProposalBuffer builds a buffer holding at most capacity proposals
// across all (height, round) keys at once.
func NewProposalBuffer(capacity int) *ProposalBuffer {
	return &ProposalBuffer{
		capacity: capacity,
		queues:   make(map[proposalKey][]GossipProposal),
		seen:     make(map[proposalKey]map[Hash]struct{}),
		log:      log.Module("proposalbuffer"),
	}
}

// SetCurrentHeight records the chain head + 1 for staleness checks and
// drops any buffered proposal for a height below it.
func (b *ProposalBuffer) SetCurrentHeight(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = height
	for key := range b.queues {
		if key.Height < height {
			b.size -= len(b.queues[key])
			delete(b.queues, key)
			delete(b.seen, key)
		}
	}
}

// Offer enqueues a gossiped proposal. It returns false (and the caller
// should Ack it Ignore/Reject as appropriate) when the proposal is stale,
// a duplicate of one already buffered for its (height, round), or the
// buffer is at capacity.
func (b *ProposalBuffer) Offer(gp GossipProposal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gp.Proposal.Height < b.current {
		return false
	}
	key := proposalKey{Height: gp.Proposal.Height, Round: gp.Proposal.Round}

	seen := b.seen[key]
	if seen == nil {
		seen = make(map[Hash]struct{})
		b.seen[key] = seen
	}
	if _, dup := seen[gp.Proposal.Hash]; dup {
		return false
	}

	if b.size >= b.capacity {
		metrics.ProposalBufferDropped.Inc()
		b.log.Warn("proposal buffer full, dropping proposal", "height", gp.Proposal.Height, "round", gp.Proposal.Round)
		return false
	}

	seen[gp.Proposal.Hash] = struct{}{}
	b.queues[key] = append(b.queues[key], gp)
	b.size++
	return true
}

// Drain removes and returns every buffered proposal matching height,
// across all rounds seen for that height. Proposals of the same round come
// back in arrival order; the order between different rounds is not
// defined.
func (b *ProposalBuffer) Drain(height uint64) []GossipProposal {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []GossipProposal
	for key, queue := range b.queues {
		if key.Height != height {
			continue
		}
		out = append(out, queue...)
		b.size -= len(queue)
		delete(b.queues, key)
		delete(b.seen, key)
	}
	return out
}

// Len reports the total number of buffered proposals across all keys.
func (b *ProposalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
