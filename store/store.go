/*
Package store implements the block store and command store (spec.md
§4.1): content-addressed, idempotent insertion, membership queries, and a
delivered-flag precondition check. Eviction is LRU-bounded but blocks
reachable from the committed tip within a configurable horizon are pinned.
*/
package store

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nibeshrestha/optsync/entity"
)

// ErrNotFound is returned by Find* when the hash is unknown to the store.
var ErrNotFound = errors.New("store: not found")

// ErrDependencyNotDelivered is the fatal invariant violation from spec.md
// §4.1: mark_blk_delivered's precondition (all parents and qc_ref
// delivered) was not met.
var ErrDependencyNotDelivered = errors.New("store: parent or qc_ref not delivered")

type blockEntry struct {
	block     *entity.Block
	delivered bool
}

// Store holds the canonical block and command instances for one replica.
// The replica's message handlers, fetch goroutines and periodic stats
// reporter call into it concurrently, so every exported method takes the
// store's mutex.
type Store struct {
	mu sync.Mutex

	blocks  map[string]*blockEntry
	cmds    map[string]*entity.Command
	pinned  map[string]bool // blocks within the commit horizon, never evicted
	horizon int

	// blockLRU and cmdLRU track recency for eviction beyond the pinned
	// set; entries are value-less, the maps above hold the real data.
	blockLRU *lru.Cache[string, struct{}]
	cmdLRU   *lru.Cache[string, struct{}]
}

// New creates a store whose LRU caches hold up to maxBlocks/maxCmds
// entries beyond whatever is pinned by the commit horizon.
func New(maxBlocks, maxCmds, horizon int) *Store {
	s := &Store{
		blocks:  make(map[string]*blockEntry),
		cmds:    make(map[string]*entity.Command),
		pinned:  make(map[string]bool),
		horizon: horizon,
	}
	s.blockLRU, _ = lru.NewWithEvict(maxBlocks, func(key string, _ struct{}) {
		s.evictBlock(key)
	})
	s.cmdLRU, _ = lru.NewWithEvict(maxCmds, func(key string, _ struct{}) {
		s.evictCmd(key)
	})
	genesis := entity.Genesis()
	s.blocks[entity.HashHex(genesis.Hash)] = &blockEntry{block: genesis, delivered: true}
	s.pin(entity.HashHex(genesis.Hash))
	return s
}

func (s *Store) evictBlock(key string) {
	if s.pinned[key] {
		return
	}
	delete(s.blocks, key)
}

func (s *Store) evictCmd(key string) {
	delete(s.cmds, key)
}

// pin marks a block hash as unevictable (within the commit horizon of the
// current tip). Callers hold s.mu.
func (s *Store) pin(key string) {
	s.pinned[key] = true
}

// AddBlock stores B if H(B) is new, or returns the canonical existing
// instance. A block that fails hash verification is never inserted.
func (s *Store) AddBlock(b *entity.Block) (*entity.Block, error) {
	if err := b.VerifyHash(); err != nil {
		return nil, err
	}
	key := entity.HashHex(b.Hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.blocks[key]; ok {
		s.blockLRU.Add(key, struct{}{})
		return entry.block, nil
	}
	s.blocks[key] = &blockEntry{block: b}
	s.blockLRU.Add(key, struct{}{})
	return b, nil
}

// AddCommand stores c if H(c) is new, or returns the canonical existing
// instance.
func (s *Store) AddCommand(c *entity.Command) (*entity.Command, error) {
	h, err := c.Hash()
	if err != nil {
		return nil, err
	}
	key := entity.HashHex(h)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cmds[key]; ok {
		s.cmdLRU.Add(key, struct{}{})
		return existing, nil
	}
	s.cmds[key] = c
	s.cmdLRU.Add(key, struct{}{})
	return c, nil
}

// FindBlock returns the canonical block for h, or ErrNotFound.
func (s *Store) FindBlock(h []byte) (*entity.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blocks[entity.HashHex(h)]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.block, nil
}

// FindCommand returns the canonical command for h, or ErrNotFound.
func (s *Store) FindCommand(h []byte) (*entity.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cmds[entity.HashHex(h)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// IsBlockFetched reports whether h is present in the store (fetched, not
// necessarily delivered).
func (s *Store) IsBlockFetched(h []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[entity.HashHex(h)]
	return ok
}

// IsBlockDelivered reports whether h's block has had its dependencies
// materialized and validated.
func (s *Store) IsBlockDelivered(h []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blocks[entity.HashHex(h)]
	return ok && entry.delivered
}

// IsCommandFetched reports whether h is present in the command store.
func (s *Store) IsCommandFetched(h []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cmds[entity.HashHex(h)]
	return ok
}

// MarkBlockDelivered sets the delivered flag for h. Its precondition —
// every parent and the qc_ref target already delivered — must already
// hold; the fetch/delivery engine is responsible for sequencing calls so
// this is always true, so a violation here is a fatal invariant break,
// not a recoverable protocol error (spec.md §7).
func (s *Store) MarkBlockDelivered(h []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entity.HashHex(h)
	entry, ok := s.blocks[key]
	if !ok {
		return ErrNotFound
	}
	if entry.delivered {
		return nil // idempotent
	}
	for _, p := range entry.block.ParentHashes {
		pe, ok := s.blocks[entity.HashHex(p)]
		if !ok || !pe.delivered {
			return ErrDependencyNotDelivered
		}
	}
	if entry.block.QCRef != nil {
		qe, ok := s.blocks[entity.HashHex(entry.block.QCRef.BlockHash)]
		if !ok || !qe.delivered {
			return ErrDependencyNotDelivered
		}
	}
	entry.delivered = true
	return nil
}

// PinAncestors extends the eviction horizon to cover every ancestor of tip
// back `horizon` generations, called after each commit so the live chain
// near the tip is never evicted mid-verification.
func (s *Store) PinAncestors(tip []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := tip
	for i := 0; i < s.horizon && h != nil; i++ {
		key := entity.HashHex(h)
		s.pin(key)
		entry, ok := s.blocks[key]
		if !ok {
			return
		}
		h = entry.block.MainParent()
	}
}

// Stats exposes cache sizes for the periodic stats reporter, mirroring
// the original's get_blk_cache_size/get_cmd_cache_size.
type Stats struct {
	BlockCacheSize int
	CmdCacheSize   int
}

// Stats returns the current cache occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BlockCacheSize: len(s.blocks),
		CmdCacheSize:   len(s.cmds),
	}
}
