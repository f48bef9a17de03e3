package storage

import (
	"fmt"

	"Keyhold/internal/block"
	"Keyhold/internal/keys"
)

// blockPrefix namespaces key blocks inside the store.
var blockPrefix = []byte("b/")

// BlockStore persists raw key blocks by routing key.
type BlockStore struct {
	db *Storage
}

// NewBlockStore wraps db.
func NewBlockStore(db *Storage) *BlockStore {
	return &BlockStore{db: db}
}

// blockKey returns the store key for a routing key.
func blockKey(routing keys.RoutingKey) []byte {
	k := make([]byte, 0, len(blockPrefix)+keys.RoutingKeySize)
	k = append(k, blockPrefix...)
	return append(k, routing[:]...)
}

// Put verifies b and stores it under its own routing key.
func (s *BlockStore) Put(b *block.Block) (keys.RoutingKey, error) {
	routing, err := b.RoutingKey()
	if err != nil {
		return keys.RoutingKey{}, fmt.Errorf("derive routing key:\n%w", err)
	}

	if err := b.Verify(routing); err != nil {
		return keys.RoutingKey{}, fmt.Errorf("verify block:\n%w", err)
	}

	if err := s.db.Set(blockKey(routing), block.Marshal(b)); err != nil {
		return keys.RoutingKey{}, fmt.Errorf("store block:\n%w", err)
	}

	return routing, nil
}

// PutBatch verifies every block and stores them in one atomic write.
// Nothing is stored if any block fails verification.
func (s *BlockStore) PutBatch(blocks []*block.Block) error {
	pairs := make([]KeyValue, 0, len(blocks))

	for i, b := range blocks {
		routing, err := b.RoutingKey()
		if err != nil {
			return fmt.Errorf("derive routing key of block %d:\n%w", i, err)
		}

		if err := b.Verify(routing); err != nil {
			return fmt.Errorf("verify block %d:\n%w", i, err)
		}

		pairs = append(pairs, KeyValue{Key: blockKey(routing), Value: block.Marshal(b)})
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("store batch:\n%w", err)
	}

	return nil
}

// Lookup returns the block stored under routing, or ErrNotFound.
func (s *BlockStore) Lookup(routing keys.RoutingKey) (*block.Block, error) {
	raw, err := s.db.Get(blockKey(routing))
	if err != nil {
		return nil, err
	}

	b, err := block.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored block:\n%w", err)
	}

	return b, nil
}

// Has reports whether a block is stored under routing.
func (s *BlockStore) Has(routing keys.RoutingKey) (bool, error) {
	return s.db.Has(blockKey(routing))
}

// Delete removes the block stored under routing.
func (s *BlockStore) Delete(routing keys.RoutingKey) error {
	return s.db.Delete(blockKey(routing))
}

// Count returns the number of stored blocks.
func (s *BlockStore) Count() (int, error) {
	n := 0
	err := s.db.IteratePrefix(blockPrefix, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}
