// Package storage keeps message texts in block-compressed form with
// random access by index.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DefaultBlockSize is the number of entries per compressed block.
const DefaultBlockSize = 400

var (
	ErrInvalidEntry      = errors.New("storage: entry contains NUL")
	ErrIndexOutOfRange   = errors.New("storage: index out of range")
	ErrEvicted           = errors.New("storage: entry evicted")
	ErrStorageCorruption = errors.New("storage: corrupt block")
)

// CorruptionError reports a sealed block that failed to decode. Only the
// entries of that block are affected.
type CorruptionError struct {
	Block int
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("storage: block %d is corrupt: %v", e.Block, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrStorageCorruption }

// IndexedStore appends strings and returns them by index. Entries fill a
// write block; a full block is compressed as one unit and never changes
// again. Only the most recently decompressed block is cached.
//
// An IndexedStore is not safe for concurrent use.
type IndexedStore struct {
	codec     Codec
	blockSize int

	// sealed[k] holds block dropped+k.
	sealed  [][]byte
	dropped int

	// Write block: NUL-terminated entries and their start offsets.
	data    []byte
	offsets []int

	cacheBlock   int
	cacheEntries []string

	sealedBytes int
}

// NewIndexedStore returns an empty store. A nil codec selects DefaultCodec
// and a non-positive blockSize selects DefaultBlockSize.
func NewIndexedStore(codec Codec, blockSize int) *IndexedStore {
	if codec == nil {
		codec = DefaultCodec
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &IndexedStore{
		codec:      codec,
		blockSize:  blockSize,
		offsets:    make([]int, 0, blockSize),
		cacheBlock: -1,
	}
}

// Codec returns the block codec.
func (s *IndexedStore) Codec() Codec { return s.codec }

// BlockSize returns the entries per block.
func (s *IndexedStore) BlockSize() int { return s.blockSize }

// Count returns the number of entries added since the last Clear,
// evicted entries included.
func (s *IndexedStore) Count() int {
	return (s.dropped+len(s.sealed))*s.blockSize + len(s.offsets)
}

// First returns the lowest index that can still be read.
func (s *IndexedStore) First() int { return s.dropped * s.blockSize }

// Add appends text and returns its index.
func (s *IndexedStore) Add(text string) (int, error) {
	if strings.IndexByte(text, 0) >= 0 {
		return 0, ErrInvalidEntry
	}
	idx := s.Count()
	start := len(s.data)
	s.offsets = append(s.offsets, start)
	s.data = append(s.data, text...)
	s.data = append(s.data, 0)
	if len(s.offsets) == s.blockSize {
		if err := s.seal(); err != nil {
			s.offsets = s.offsets[:len(s.offsets)-1]
			s.data = s.data[:start]
			return 0, err
		}
	}
	return idx, nil
}

func (s *IndexedStore) seal() error {
	block, err := s.codec.Compress(s.data)
	if err != nil {
		return fmt.Errorf("storage: seal block %d: %w", s.dropped+len(s.sealed), err)
	}
	s.sealed = append(s.sealed, block)
	s.sealedBytes += len(block)
	s.data = s.data[:0]
	s.offsets = s.offsets[:0]
	return nil
}

// Get returns the entry at index i.
func (s *IndexedStore) Get(i int) (string, error) {
	if i < 0 || i >= s.Count() {
		return "", ErrIndexOutOfRange
	}
	block, offset := i/s.blockSize, i%s.blockSize
	if block < s.dropped {
		return "", ErrEvicted
	}
	if k := block - s.dropped; k == len(s.sealed) {
		start := s.offsets[offset]
		end := len(s.data) - 1
		if offset+1 < len(s.offsets) {
			end = s.offsets[offset+1] - 1
		}
		return string(s.data[start:end]), nil
	}

	entries, err := s.load(block)
	if err != nil {
		return "", err
	}
	return entries[offset], nil
}

func (s *IndexedStore) load(block int) ([]string, error) {
	if block == s.cacheBlock {
		return s.cacheEntries, nil
	}
	raw, err := s.codec.Decompress(s.sealed[block-s.dropped])
	if err != nil {
		return nil, &CorruptionError{Block: block, Err: err}
	}
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return nil, &CorruptionError{Block: block, Err: errors.New("missing terminator")}
	}
	parts := bytes.Split(raw[:len(raw)-1], []byte{0})
	if len(parts) != s.blockSize {
		return nil, &CorruptionError{Block: block, Err: fmt.Errorf("%d entries, want %d", len(parts), s.blockSize)}
	}
	entries := make([]string, len(parts))
	for k, p := range parts {
		entries[k] = string(p)
	}
	s.cacheBlock, s.cacheEntries = block, entries
	return entries, nil
}

// DropBefore releases every sealed block whose entries all lie below i and
// returns the new First. Indexes are not renumbered.
func (s *IndexedStore) DropBefore(i int) int {
	n := i/s.blockSize - s.dropped
	if n > len(s.sealed) {
		n = len(s.sealed)
	}
	if n <= 0 {
		return s.First()
	}
	for _, b := range s.sealed[:n] {
		s.sealedBytes -= len(b)
	}
	s.sealed = append([][]byte(nil), s.sealed[n:]...)
	s.dropped += n
	if s.cacheBlock < s.dropped {
		s.cacheBlock, s.cacheEntries = -1, nil
	}
	return s.First()
}

// Clear removes all entries and restarts indexing at zero.
func (s *IndexedStore) Clear() {
	s.sealed = nil
	s.dropped = 0
	s.data = s.data[:0]
	s.offsets = s.offsets[:0]
	s.cacheBlock, s.cacheEntries = -1, nil
	s.sealedBytes = 0
}

// Stats describes the store footprint.
type Stats struct {
	Entries      int `json:"entries"`
	SealedBlocks int `json:"sealed_blocks"`
	SealedBytes  int `json:"sealed_bytes"`
	PendingBytes int `json:"pending_bytes"`
}

func (s *IndexedStore) Stats() Stats {
	return Stats{
		Entries:      s.Count() - s.First(),
		SealedBlocks: len(s.sealed),
		SealedBytes:  s.sealedBytes,
		PendingBytes: len(s.data),
	}
}
