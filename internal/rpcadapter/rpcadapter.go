// Package rpcadapter wires the validator orchestrator's Blockchain,
// StakingContractView, Mempool, and Network collaborator interfaces onto a
// paired consensus node's JSON-RPC surface, the same way the beacon
// engine's RPCClient talks to its execution client: plain JSON-RPC for
// reads, and a JWT-bearer "engine" channel for state-mutating calls.
//
// The real gossip/pubsub network and the real mempool executor are
// explicitly out of scope for this module; this package's Network and
// Mempool adapters are thin RPC-backed placeholders suitable for a single
// paired node, not a substitute for a p2p stack.
package rpcadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/validator"
)

// Client is the shared JSON-RPC transport, grounded directly on
// cmd/equa-beacon-engine/engine.RPCClient.
type Client struct {
	rpcEndpoint    string
	engineEndpoint string
	jwtSecret      []byte
	httpClient     *http.Client
	log            *log.Logger
}

// NewClient builds a Client. jwtSecret may be nil when talking to a node
// that does not require Engine-API-style authentication.
func NewClient(rpcEndpoint, engineEndpoint string, jwtSecret []byte) *Client {
	return &Client{
		rpcEndpoint:    rpcEndpoint,
		engineEndpoint: engineEndpoint,
		jwtSecret:      jwtSecret,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		log:            log.Module("rpcadapter"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CallRPC issues a plain JSON-RPC call against the consensus read endpoint.
func (c *Client) CallRPC(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.call(ctx, c.rpcEndpoint, method, params, false)
}

// CallEngine issues a JWT-bearer-authenticated JSON-RPC call, used for
// state-mutating requests like pushing a block or publishing to a topic.
func (c *Client) CallEngine(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.call(ctx, c.engineEndpoint, method, params, true)
}

func (c *Client) call(ctx context.Context, endpoint, method string, params []any, authenticated bool) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, errors.Wrap(err, "rpcadapter: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "rpcadapter: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated && len(c.jwtSecret) > 0 {
		token, err := c.mintToken()
		if err != nil {
			return nil, errors.Wrap(err, "rpcadapter: mint auth token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "rpcadapter: do request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "rpcadapter: read response")
	}
	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "rpcadapter: decode response")
	}
	if parsed.Error != nil {
		return nil, errors.Newf("rpcadapter: rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, nil
}

func (c *Client) mintToken() (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(60 * time.Second)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
}

// BlockchainAdapter implements validator.Blockchain against the paired
// node's JSON-RPC surface.
type BlockchainAdapter struct {
	client *Client
}

// NewBlockchainAdapter builds a BlockchainAdapter over client.
func NewBlockchainAdapter(client *Client) *BlockchainAdapter {
	return &BlockchainAdapter{client: client}
}

func (b *BlockchainAdapter) HeadHash() validator.Hash {
	raw, err := b.client.CallRPC(context.Background(), "equa_getHeadHash", nil)
	return decodeHashOrZero(raw, err, b.client.log)
}

func (b *BlockchainAdapter) HeadHeight() uint64 {
	raw, err := b.client.CallRPC(context.Background(), "equa_getHeadHeight", nil)
	return decodeUint64OrZero(raw, err, b.client.log)
}

func (b *BlockchainAdapter) HeadTimestamp() time.Time {
	raw, err := b.client.CallRPC(context.Background(), "equa_getHeadTimestamp", nil)
	unix := decodeUint64OrZero(raw, err, b.client.log)
	return time.Unix(int64(unix), 0)
}

func (b *BlockchainAdapter) HeadVRFSeed() validator.Hash {
	raw, err := b.client.CallRPC(context.Background(), "equa_getHeadVrfSeed", nil)
	return decodeHashOrZero(raw, err, b.client.log)
}

func (b *BlockchainAdapter) BlockTypeOf(height uint64) validator.BlockType {
	raw, err := b.client.CallRPC(context.Background(), "equa_getBlockType", []any{height})
	if err != nil {
		b.client.log.Warn("failed to determine block type, defaulting to micro", "height", height, "error", err)
		return validator.BlockTypeMicro
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return validator.BlockTypeMicro
	}
	if kind == "macro" {
		return validator.BlockTypeMacro
	}
	return validator.BlockTypeMicro
}

func (b *BlockchainAdapter) PushBlock(ctx context.Context, block validator.Block, trusted bool) (validator.PushResult, error) {
	method := "equa_pushBlock"
	if trusted {
		method = "equa_pushBlockTrusted"
	}
	raw, err := b.client.CallEngine(ctx, method, []any{encodeHex(block.Body), block.Height})
	if err != nil {
		return validator.PushIgnored, err
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		return validator.PushIgnored, errors.Wrap(err, "rpcadapter: decode push result")
	}
	switch result {
	case "extended":
		return validator.PushExtended, nil
	case "rebranched":
		return validator.PushRebranched, nil
	case "rejected":
		return validator.PushRejected, nil
	default:
		return validator.PushIgnored, nil
	}
}

func (b *BlockchainAdapter) HasTransaction(hash validator.Hash) bool {
	raw, err := b.client.CallRPC(context.Background(), "equa_hasTransaction", []any{"0x" + encodeHex(hash[:])})
	if err != nil {
		return false
	}
	var has bool
	_ = json.Unmarshal(raw, &has)
	return has
}

// StakingAdapter implements validator.StakingContractView over RPC.
type StakingAdapter struct {
	client         *Client
	blocksPerEpoch uint64
}

// NewStakingAdapter builds a StakingAdapter. BlockAfterJail is computed
// locally as jailedFrom + blocksPerEpoch; the node is not asked for it.
func NewStakingAdapter(client *Client, blocksPerEpoch uint64) *StakingAdapter {
	return &StakingAdapter{client: client, blocksPerEpoch: blocksPerEpoch}
}

type stakingStatusWire struct {
	Kind       string  `json:"kind"`
	JailedFrom *uint32 `json:"jailedFrom,omitempty"`
}

func (s *StakingAdapter) Status(head validator.Hash, addr validator.Address) (validator.StakingStatus, error) {
	raw, err := s.client.CallRPC(context.Background(), "equa_getStakingStatus", []any{"0x" + encodeHex(head[:]), "0x" + encodeHex(addr[:])})
	if err != nil {
		return validator.StakingStatus{Kind: validator.StakingUnknown}, err
	}
	var wire stakingStatusWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return validator.StakingStatus{Kind: validator.StakingUnknown}, errors.Wrap(err, "rpcadapter: decode staking status")
	}
	switch wire.Kind {
	case "active":
		return validator.StakingStatus{Kind: validator.StakingActive}, nil
	case "inactive":
		return validator.StakingStatus{Kind: validator.StakingInactive, JailedFrom: wire.JailedFrom}, nil
	case "noStake":
		return validator.StakingStatus{Kind: validator.StakingNoStake}, nil
	default:
		return validator.StakingStatus{Kind: validator.StakingUnknown}, nil
	}
}

func (s *StakingAdapter) SlotBandOf(head validator.Hash, addr validator.Address) (validator.SlotBand, error) {
	raw, err := s.client.CallRPC(context.Background(), "equa_getSlotBand", []any{"0x" + encodeHex(head[:]), "0x" + encodeHex(addr[:])})
	if err != nil {
		return nil, err
	}
	var band *uint16
	if err := json.Unmarshal(raw, &band); err != nil {
		return nil, errors.Wrap(err, "rpcadapter: decode slot band")
	}
	return band, nil
}

func (s *StakingAdapter) ValidatorSet(head validator.Hash) ([]validator.ValidatorSetEntry, error) {
	raw, err := s.client.CallRPC(context.Background(), "equa_getValidatorSet", []any{"0x" + encodeHex(head[:])})
	if err != nil {
		return nil, err
	}
	var wire []struct {
		Address   string  `json:"address"`
		VotingKey string  `json:"votingKey"`
		SlotBand  *uint16 `json:"slotBand"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.Wrap(err, "rpcadapter: decode validator set")
	}
	out := make([]validator.ValidatorSetEntry, 0, len(wire))
	for _, w := range wire {
		out = append(out, validator.ValidatorSetEntry{
			Address:  decodeAddress(w.Address),
			SlotBand: w.SlotBand,
		})
	}
	return out, nil
}

func (s *StakingAdapter) BlockAfterJail(jailedFrom uint32) uint64 {
	return uint64(jailedFrom) + s.blocksPerEpoch
}

// MempoolAdapter implements validator.Mempool as a thin notifier over the
// paired node's mempool RPC surface; the executor itself lives there.
type MempoolAdapter struct {
	client  *Client
	mu      sync.Mutex
	running bool
}

func NewMempoolAdapter(client *Client) *MempoolAdapter {
	return &MempoolAdapter{client: client}
}

func (m *MempoolAdapter) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	if _, err := m.client.CallRPC(ctx, "equa_mempoolStart", nil); err != nil {
		m.client.log.Warn("failed to start remote mempool executor", "error", err)
	}
}

func (m *MempoolAdapter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if _, err := m.client.CallRPC(context.Background(), "equa_mempoolStop", nil); err != nil {
		m.client.log.Warn("failed to stop remote mempool executor", "error", err)
	}
}

func (m *MempoolAdapter) UpdateDiff(ctx context.Context, extended validator.BlockInfo) {
	_, _ = m.client.CallRPC(ctx, "equa_mempoolUpdateDiff", []any{extended.Height, "0x" + encodeHex(extended.Hash[:])})
}

func (m *MempoolAdapter) Clean(ctx context.Context, adopted validator.BlockInfo) {
	_, _ = m.client.CallRPC(ctx, "equa_mempoolClean", []any{adopted.Height})
}

func (m *MempoolAdapter) Rebranch(ctx context.Context, newHead, oldHead validator.BlockInfo) {
	_, _ = m.client.CallRPC(ctx, "equa_mempoolRebranch", []any{newHead.Height, oldHead.Height})
}

// NetworkAdapter is a single-peer placeholder for the real gossip network,
// which spec.md explicitly keeps out of scope. It polls the paired node
// for pending proposals instead of receiving a genuine pubsub push, and
// treats Ack as a log-only no-op since real peer scoring needs a real
// pubsub layer.
type NetworkAdapter struct {
	client    *Client
	proposals chan validator.GossipProposal

	mu      sync.Mutex
	handler func(height uint64) (*validator.MacroState, bool)
}

func NewNetworkAdapter(client *Client) *NetworkAdapter {
	n := &NetworkAdapter{client: client, proposals: make(chan validator.GossipProposal, 256)}
	return n
}

func (n *NetworkAdapter) Publish(ctx context.Context, topic validator.Topic, block validator.Block) error {
	method := "equa_publishBlock"
	if topic == validator.TopicBlockHeader {
		method = "equa_publishBlockHeader"
	}
	_, err := n.client.CallEngine(ctx, method, []any{encodeHex(block.Body), block.Height})
	return err
}

func (n *NetworkAdapter) PublishDHTRecord(ctx context.Context, pubKey []byte, signature []byte) error {
	_, err := n.client.CallRPC(ctx, "equa_publishDhtRecord", []any{"0x" + encodeHex(pubKey), "0x" + encodeHex(signature)})
	return err
}

func (n *NetworkAdapter) Subscribe() <-chan validator.GossipProposal {
	return n.proposals
}

func (n *NetworkAdapter) Ack(id uuid.UUID, ack validator.AckKind) {
	n.client.log.Debug("ack proposal", "id", id.String(), "ack", ack)
}

func (n *NetworkAdapter) RegisterMacroStateHandler(handler func(height uint64) (*validator.MacroState, bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

func (n *NetworkAdapter) AnnounceSlotBand(ctx context.Context, band validator.SlotBand) error {
	var value any
	if band != nil {
		value = *band
	}
	_, err := n.client.CallRPC(ctx, "equa_announceSlotBand", []any{value})
	return err
}

func (n *NetworkAdapter) PublishValidatorSet(ctx context.Context, set []validator.ValidatorSetEntry) error {
	_, err := n.client.CallRPC(ctx, "equa_publishValidatorSet", []any{len(set)})
	return err
}

// PollProposals is the network task goroutine: it polls the paired node
// for newly gossiped proposals and offers them onto the Subscribe channel.
// It is the single producer the validator.ProposalBuffer contract expects.
func (n *NetworkAdapter) PollProposals(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := n.client.CallRPC(ctx, "equa_pendingProposals", nil)
			if err != nil {
				continue
			}
			var wire []struct {
				Height uint64 `json:"height"`
				Round  uint32 `json:"round"`
				Hash   string `json:"hash"`
				Body   string `json:"body"`
			}
			if err := json.Unmarshal(raw, &wire); err != nil {
				continue
			}
			for _, w := range wire {
				select {
				case n.proposals <- validator.GossipProposal{Proposal: validator.Proposal{
					Height: w.Height,
					Round:  w.Round,
					Hash:   decodeHash(w.Hash),
					Body:   decodeBytes(w.Body),
				}}:
				default:
				}
			}
		}
	}
}
