package validator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2s"

	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/metrics"
)

// ReactivationManager owns the single in-flight InactivityState and
// implements the auto-reactivation loop: T6 requires at most one in-flight
// reactivation at a time, not resent until either the staking status
// becomes Active or the validity window elapses without the tx landing in
// history.
//
// The Rust source does not persist InactivityState across restarts; this
// port follows the same choice (see DESIGN.md Open Question resolution)
// and relies on the validity-window check to make a spurious resend after
// restart harmless rather than adding storage for it.
type ReactivationManager struct {
	mu        sync.Mutex
	inFlight  *InactivityState
	networkID uint32
	log       *log.Logger
}

// NewReactivationManager builds a manager with no in-flight reactivation.
func NewReactivationManager(networkID uint32) *ReactivationManager {
	return &ReactivationManager{networkID: networkID, log: log.Module("reactivation")}
}

// InFlight returns the current in-flight reactivation state, or nil.
func (r *ReactivationManager) InFlight() *InactivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Tick implements the staking_check transition: given the latest staking
// status, it clears an in-flight reactivation on Active, or builds and
// broadcasts a fresh one on an Inactive status that is not jailed or whose
// jail has ended (blockNumber >= blockAfterJail(jailedFrom)), when
// automatic_reactivate is set and nothing is already in flight. NoStake and
// Unknown statuses do nothing.
func (r *ReactivationManager) Tick(
	ctx context.Context,
	status StakingStatus,
	blockNumber uint64,
	automaticReactivate bool,
	blockAfterJail func(jailedFrom uint32) uint64,
	identity ValidatorIdentity,
	pipe TxBroadcaster,
) (broadcast bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.Kind == StakingActive {
		if r.inFlight != nil {
			r.log.Info("validator reactivated, clearing inactivity state")
			r.inFlight = nil
		}
		return false, nil
	}

	if status.Kind != StakingInactive {
		return false, nil
	}
	if r.inFlight != nil {
		return false, nil
	}
	if !automaticReactivate {
		return false, nil
	}
	if status.JailedFrom != nil && blockNumber < blockAfterJail(*status.JailedFrom) {
		return false, nil
	}

	tx, buildErr := buildReactivationTx(identity, uint32(blockNumber), r.networkID)
	if buildErr != nil {
		r.log.Warn("failed to sign reactivation transaction", "error", buildErr)
		return false, buildErr
	}
	raw, encodeErr := encodeReactivationTx(tx)
	if encodeErr != nil {
		return false, encodeErr
	}

	txHashHex, broadcastErr := pipe.BroadcastReactivation(ctx, raw)
	if broadcastErr != nil {
		r.log.Warn("failed to broadcast reactivation transaction", "error", broadcastErr)
		return false, broadcastErr
	}

	r.inFlight = &InactivityState{
		TxHash:              parseTxHash(txHashHex),
		ValidityWindowStart: uint32(blockNumber),
	}
	metrics.ReactivationBroadcasts.Inc()
	r.log.Info("broadcast reactivation transaction", "blockNumber", blockNumber, "txHash", txHashHex)
	return true, nil
}

// CheckValidityWindowExpiry implements the init_epoch rule: if the
// in-flight reactivation's validity window has passed and the transaction
// never appeared in the history window, clear it so Tick resends on the
// next staking check.
func (r *ReactivationManager) CheckValidityWindowExpiry(blockNumber uint64, blocksPerEpoch uint64, txInHistory bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight == nil || txInHistory {
		return
	}
	if blockNumber >= uint64(r.inFlight.ValidityWindowStart)+blocksPerEpoch {
		r.log.Warn("reactivation transaction missed its validity window, will resend", "start", r.inFlight.ValidityWindowStart)
		r.inFlight = nil
	}
}

// buildReactivationTx signs the transaction over its digest; a signing
// failure is propagated rather than silently producing an unsigned tx, so
// Tick can abort the broadcast instead of sending garbage.
func buildReactivationTx(identity ValidatorIdentity, validityStart uint32, networkID uint32) (*ReactivationTx, error) {
	tx := &ReactivationTx{
		ValidatorAddress:    identity.Address,
		Fee:                 uint256.NewInt(0),
		ValidityStartHeight: validityStart,
		NetworkID:           networkID,
	}
	digest := reactivationDigest(tx)
	sig, err := identity.SigningKey.Sign(digest)
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	return tx, nil
}

func reactivationDigest(tx *ReactivationTx) [32]byte {
	buf := make([]byte, 0, 20+32+4+4)
	buf = append(buf, tx.ValidatorAddress[:]...)
	feeBuf := tx.Fee.Bytes32()
	var startBuf, netBuf [4]byte
	binary.BigEndian.PutUint32(startBuf[:], tx.ValidityStartHeight)
	binary.BigEndian.PutUint32(netBuf[:], tx.NetworkID)
	buf = append(buf, feeBuf[:]...)
	buf = append(buf, startBuf[:]...)
	buf = append(buf, netBuf[:]...)
	return blake2s.Sum256(buf)
}

func encodeReactivationTx(tx *ReactivationTx) ([]byte, error) {
	feeBuf := tx.Fee.Bytes32()
	buf := make([]byte, 0, 20+32+4+4+2+len(tx.Signature))
	buf = append(buf, tx.ValidatorAddress[:]...)
	buf = append(buf, feeBuf[:]...)
	buf = appendU32(buf, tx.ValidityStartHeight)
	buf = appendU32(buf, tx.NetworkID)
	buf = appendBytesLP(buf, tx.Signature)
	return buf, nil
}

func parseTxHash(hexStr string) Hash {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	decoded, err := hex.DecodeString(hexStr)
	var h Hash
	if err != nil {
		return h
	}
	copy(h[:], decoded)
	return h
}
