// Package cache wraps a block store with an in-memory LRU of recently read
// and written blocks. Reads that hit the cache skip the inner store entirely.
// The cache only ever holds complete blocks; a partial write to a block
// evicts it rather than trying to patch the cached copy.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kochman/stripeblock"
)

type Store struct {
	inner  stripeblock.Store
	blocks *lru.Cache[int64, []byte]
}

// New wraps inner with an LRU holding up to maxBlocks complete blocks.
func New(inner stripeblock.Store, maxBlocks int) (*Store, error) {
	blocks, err := lru.New[int64, []byte](maxBlocks)
	if err != nil {
		return nil, fmt.Errorf("unable to create cache: %w", err)
	}
	s := &Store{
		inner:  inner,
		blocks: blocks,
	}
	return s, nil
}

// BlockSize returns the inner store's per-block size.
func (s *Store) BlockSize() int {
	return s.inner.BlockSize()
}

// Read reads block into p, serving from the cache when the block is resident.
// A full-block read that misses populates the cache.
func (s *Store) Read(block int64, p []byte) (int, error) {
	bs := s.inner.BlockSize()
	if len(p) > bs {
		p = p[:bs]
	}
	if cached, ok := s.blocks.Get(block); ok {
		return copy(p, cached), nil
	}
	n, err := s.inner.Read(block, p)
	if err != nil {
		return n, err
	}
	if n == bs {
		cached := make([]byte, bs)
		copy(cached, p)
		s.blocks.Add(block, cached)
	}
	return n, nil
}

// Write writes p through to the inner store. A full-block write refreshes the
// cached copy; a partial write evicts it, since the cache only holds complete
// blocks.
func (s *Store) Write(block int64, p []byte) (int, error) {
	bs := s.inner.BlockSize()
	if len(p) > bs {
		p = p[:bs]
	}
	n, err := s.inner.Write(block, p)
	if err != nil {
		return n, err
	}
	if n == bs {
		cached := make([]byte, bs)
		copy(cached, p)
		s.blocks.Add(block, cached)
	} else {
		s.blocks.Remove(block)
	}
	return n, nil
}

// BeginRead issues an asynchronous read of block into p.
func (s *Store) BeginRead(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	go func() {
		op.Complete(s.Read(block, p))
	}()
	return op
}

// EndRead blocks until op completes and returns the number of bytes read.
func (s *Store) EndRead(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// BeginWrite issues an asynchronous write of p to block.
func (s *Store) BeginWrite(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	go func() {
		op.Complete(s.Write(block, p))
	}()
	return op
}

// EndWrite blocks until op completes and returns the number of bytes written.
func (s *Store) EndWrite(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// Close drops every cached block and closes the inner store.
func (s *Store) Close() error {
	s.blocks.Purge()
	return s.inner.Close()
}
