package validator

import (
	"encoding/binary"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2s"

	"github.com/equa/go-validator/internal/bls"
)

// TendermintVote is the message a validator signs at a single BFT step.
// ProposalHash nil means the nil/"no proposal" vote.
type TendermintVote struct {
	Height       uint32
	Round        uint32
	Step         TendermintStep
	ProposalHash *Hash
}

// voteHash serializes the vote and hashes it with Blake2s, matching the
// Rust source's Blake2sHasher over the serialized vote.
func voteHash(v TendermintVote) [32]byte {
	buf := make([]byte, 0, 4+4+1+32)
	var heightBuf, roundBuf [4]byte
	binary.BigEndian.PutUint32(heightBuf[:], v.Height)
	binary.BigEndian.PutUint32(roundBuf[:], v.Round)
	buf = append(buf, heightBuf[:]...)
	buf = append(buf, roundBuf[:]...)
	buf = append(buf, byte(v.Step))
	if v.ProposalHash != nil {
		buf = append(buf, 1)
		buf = append(buf, v.ProposalHash[:]...)
	} else {
		buf = append(buf, 0)
	}
	return blake2s.Sum256(buf)
}

// MultiSignature pairs an aggregate BLS signature with the bitset of
// contributor slot indices whose signatures were aggregated into it.
type MultiSignature struct {
	Signature    bls.Signature
	Contributors *bitset.BitSet
}

// contributionEntry is one proposal-hash keyed slot in a contribution.
type contributionEntry struct {
	key  string // "" for the nil vote, else string(hash[:])
	hash *Hash
	sig  *MultiSignature
}

// TendermintContribution is the unit exchanged by the Handel aggregation
// protocol during a single BFT step: a mapping from optional proposal hash
// to the MultiSignature of everyone who has voted for it so far.
//
// This is a corrected port of original_source's
// validator/src/aggregation/tendermint/contribution.rs: contributors()
// there folds over contributions with bitset intersection starting from
// the empty set, which is always empty once more than one entry exists.
// The structural invariant (each signer appears in at most one entry) only
// holds if the fold is a union, so this port uses union.
type TendermintContribution struct {
	entries map[string]*contributionEntry
}

// NewContribution constructs an empty contribution.
func NewContribution() *TendermintContribution {
	return &TendermintContribution{entries: make(map[string]*contributionEntry)}
}

// NewContributionFromVote builds a single-signer contribution: it hashes
// the vote, signs the hash with the validator's BLS key, and wraps the
// result as a MultiSignature carrying a single-bit contributor set at
// slotID.
func NewContributionFromVote(vote TendermintVote, slotID uint16, voting *bls.KeyPair) *TendermintContribution {
	h := voteHash(vote)
	sig := voting.Sign(h[:])

	bits := bitset.New(uint(slotID) + 1)
	bits.Set(uint(slotID))

	c := NewContribution()
	key, hash := contributionKey(vote.ProposalHash)
	c.entries[key] = &contributionEntry{
		key:  key,
		hash: hash,
		sig:  &MultiSignature{Signature: sig, Contributors: bits},
	}
	return c
}

func contributionKey(hash *Hash) (string, *Hash) {
	if hash == nil {
		return "", nil
	}
	h := *hash
	return string(h[:]), &h
}

// contributors returns the union of contributor sets across every
// proposal-hash entry in this contribution.
func (c *TendermintContribution) contributors() *bitset.BitSet {
	union := bitset.New(0)
	for _, e := range c.entries {
		union = union.Union(e.sig.Contributors)
	}
	return union
}

// Contributors exposes the corrected union computation.
func (c *TendermintContribution) Contributors() *bitset.BitSet {
	return c.contributors()
}

// combine merges other into c. It is commutative and associative as long
// as the two contributions do not share any contributor slot; if they do,
// it returns ErrOverlapping (wrapped with the overlap mask) and leaves c
// unchanged. Every merged entry is built in a scratch map first, so a
// mid-loop aggregation failure also leaves c entirely unchanged rather than
// partially merged.
func (c *TendermintContribution) combine(other *TendermintContribution) (*bitset.BitSet, error) {
	overlap := c.contributors().Intersection(other.contributors())
	if overlap.Any() {
		return overlap, ErrOverlapping
	}

	merged := make(map[string]*contributionEntry, len(c.entries)+len(other.entries))
	for key, e := range c.entries {
		merged[key] = e
	}

	for key, otherEntry := range other.entries {
		existing, ok := c.entries[key]
		if !ok {
			cloned := *otherEntry.sig
			cloned.Contributors = otherEntry.sig.Contributors.Clone()
			merged[key] = &contributionEntry{
				key:  key,
				hash: otherEntry.hash,
				sig:  &cloned,
			}
			continue
		}

		aggregated, err := bls.Aggregate([]bls.Signature{existing.sig.Signature, otherEntry.sig.Signature})
		if err != nil {
			return nil, err
		}
		merged[key] = &contributionEntry{
			key:  key,
			hash: existing.hash,
			sig: &MultiSignature{
				Signature:    aggregated,
				Contributors: existing.sig.Contributors.Union(otherEntry.sig.Contributors),
			},
		}
	}

	c.entries = merged
	return nil, nil
}

// Combine is the exported, error-typed entry point used outside the package.
func (c *TendermintContribution) Combine(other *TendermintContribution) error {
	_, err := c.combine(other)
	return err
}

// sortedEntries returns the contribution's entries ordered deterministically
// by key, for serialization and testing. The Rust source's BTreeMap gives
// this ordering for free; Go sorts explicitly on each access.
func (c *TendermintContribution) sortedEntries() []*contributionEntry {
	out := make([]*contributionEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Len reports how many distinct proposal-hash entries this contribution has.
func (c *TendermintContribution) Len() int {
	return len(c.entries)
}
