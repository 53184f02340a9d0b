package validator

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"

	"github.com/equa/go-validator/internal/bls"
)

// wireVersion guards the encoding below; bump it if the MacroState shape
// changes so a future validator restarting against an older on-disk record
// fails loudly instead of misreading it.
const wireVersion = 1

// EncodeMacroState serializes a MacroState into the stable binary encoding
// persisted under the ValidatorState table. The framing is length-prefixed
// fields (u16 length, as in the Rust beserial crate's len_type(u16)), not a
// self-describing format, matching the "implementation-defined stable
// binary encoding" the spec leaves open.
func EncodeMacroState(s *MacroState) ([]byte, error) {
	var buf []byte
	buf = append(buf, wireVersion)
	buf = appendU32(buf, s.Height)
	buf = appendU32(buf, s.Round)
	buf = append(buf, byte(s.Step))

	buf = appendOptionalHash(buf, s.LockedValue)
	buf = appendOptionalU32(buf, s.LockedRound)
	buf = appendOptionalHash(buf, s.ValidValue)
	buf = appendOptionalU32(buf, s.ValidRound)

	contribBytes, err := encodeContribution(s.Contribution)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode contribution")
	}
	buf = appendBytesLP(buf, contribBytes)
	return buf, nil
}

// DecodeMacroState parses the encoding produced by EncodeMacroState.
func DecodeMacroState(data []byte) (*MacroState, error) {
	r := &reader{buf: data}

	version, err := r.byte()
	if err != nil {
		return nil, errors.Wrap(err, "wire: read version")
	}
	if version != wireVersion {
		return nil, errors.Newf("wire: unsupported macro state version %d", version)
	}

	s := &MacroState{}
	if s.Height, err = r.u32(); err != nil {
		return nil, errors.Wrap(err, "wire: read height")
	}
	if s.Round, err = r.u32(); err != nil {
		return nil, errors.Wrap(err, "wire: read round")
	}
	step, err := r.byte()
	if err != nil {
		return nil, errors.Wrap(err, "wire: read step")
	}
	s.Step = TendermintStep(step)

	if s.LockedValue, err = r.optionalHash(); err != nil {
		return nil, errors.Wrap(err, "wire: read locked value")
	}
	if s.LockedRound, err = r.optionalU32(); err != nil {
		return nil, errors.Wrap(err, "wire: read locked round")
	}
	if s.ValidValue, err = r.optionalHash(); err != nil {
		return nil, errors.Wrap(err, "wire: read valid value")
	}
	if s.ValidRound, err = r.optionalU32(); err != nil {
		return nil, errors.Wrap(err, "wire: read valid round")
	}

	contribBytes, err := r.bytesLP()
	if err != nil {
		return nil, errors.Wrap(err, "wire: read contribution")
	}
	s.Contribution, err = decodeContribution(contribBytes)
	if err != nil {
		return nil, errors.Wrap(err, "wire: decode contribution")
	}
	return s, nil
}

func encodeContribution(c *TendermintContribution) ([]byte, error) {
	if c == nil {
		c = NewContribution()
	}
	entries := c.sortedEntries()

	var buf []byte
	buf = appendU32(buf, uint32(len(entries)))
	for _, e := range entries {
		if e.hash != nil {
			buf = append(buf, 1)
			buf = append(buf, e.hash[:]...)
		} else {
			buf = append(buf, 0)
		}
		buf = appendBytesLP(buf, e.sig.Signature.Bytes())

		bitsetBytes, err := e.sig.Contributors.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "wire: marshal contributor bitset")
		}
		buf = appendBytesLP(buf, bitsetBytes)
	}
	return buf, nil
}

func decodeContribution(data []byte) (*TendermintContribution, error) {
	r := &reader{buf: data}
	count, err := r.u32()
	if err != nil {
		return nil, errors.Wrap(err, "wire: read entry count")
	}

	c := NewContribution()
	for i := uint32(0); i < count; i++ {
		hasHash, err := r.byte()
		if err != nil {
			return nil, errors.Wrap(err, "wire: read hash flag")
		}
		var hash *Hash
		if hasHash == 1 {
			h, err := r.hash()
			if err != nil {
				return nil, errors.Wrap(err, "wire: read hash")
			}
			hash = &h
		}

		sigBytes, err := r.bytesLP()
		if err != nil {
			return nil, errors.Wrap(err, "wire: read signature")
		}
		sig, err := bls.SignatureFromBytes(sigBytes)
		if err != nil {
			return nil, errors.Wrap(err, "wire: parse signature")
		}

		bitsetBytes, err := r.bytesLP()
		if err != nil {
			return nil, errors.Wrap(err, "wire: read contributors")
		}
		bits := &bitset.BitSet{}
		if err := bits.UnmarshalBinary(bitsetBytes); err != nil {
			return nil, errors.Wrap(err, "wire: unmarshal contributor bitset")
		}

		key, keyHash := contributionKey(hash)
		c.entries[key] = &contributionEntry{
			key:  key,
			hash: keyHash,
			sig:  &MultiSignature{Signature: sig, Contributors: bits},
		}
	}
	return c, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendOptionalU32(buf []byte, v *uint32) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendU32(buf, *v)
}

func appendOptionalHash(buf []byte, h *Hash) []byte {
	if h == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, h[:]...)
}

func appendBytesLP(buf []byte, data []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(data)))
	buf = append(buf, tmp[:]...)
	return append(buf, data...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, errors.New("wire: unexpected end of buffer")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.New("wire: unexpected end of buffer")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) hash() (Hash, error) {
	var h Hash
	if r.pos+32 > len(r.buf) {
		return h, errors.New("wire: unexpected end of buffer")
	}
	copy(h[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return h, nil
}

func (r *reader) optionalHash() (*Hash, error) {
	flag, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	h, err := r.hash()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *reader) optionalU32() (*uint32, error) {
	flag, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	v, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *reader) bytesLP() ([]byte, error) {
	if r.pos+2 > len(r.buf) {
		return nil, errors.New("wire: unexpected end of buffer")
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if r.pos+n > len(r.buf) {
		return nil, errors.New("wire: unexpected end of buffer")
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}
