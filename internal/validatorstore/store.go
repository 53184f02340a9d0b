// Package validatorstore persists the validator's macro-block BFT round
// state across restarts, the way the teacher persists chain data through
// Pebble. The table holds exactly one key, matching the Rust source's
// single-entry ValidatorState table.
package validatorstore

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"
)

// TableName and Key mirror the constants lifted from the Rust
// implementation's validator.rs (MACRO_STATE_DB_NAME / MACRO_STATE_KEY).
const (
	TableName = "ValidatorState"
	Key       = "validatorState"
)

// Store wraps a Pebble database restricted to the validator state table.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at dir dedicated to
// validator state.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "validatorstore: open pebble db")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes raw (already-encoded) macro state bytes, snappy-compressing
// them before they hit disk. Put must return before the caller surfaces
// the corresponding in-memory update, preserving persist-before-emit
// ordering.
func (s *Store) Put(raw []byte) error {
	compressed := snappy.Encode(nil, raw)
	if err := s.db.Set([]byte(Key), compressed, pebble.Sync); err != nil {
		return errors.Wrap(err, "validatorstore: put macro state")
	}
	return nil
}

// Get reads and decompresses the persisted macro state, if any. ok is
// false when no state has ever been persisted.
func (s *Store) Get() (raw []byte, ok bool, err error) {
	compressed, closer, err := s.db.Get([]byte(Key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "validatorstore: get macro state")
	}
	defer closer.Close()

	decoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false, errors.Wrap(err, "validatorstore: decompress macro state")
	}
	return decoded, true, nil
}

// Delete removes any persisted macro state.
func (s *Store) Delete() error {
	if err := s.db.Delete([]byte(Key), pebble.Sync); err != nil {
		return errors.Wrap(err, "validatorstore: delete macro state")
	}
	return nil
}
