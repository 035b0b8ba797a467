// Package striped implements a block store that spreads logical blocks
// round-robin across several single-file block stores, the way RAID-0 spreads
// them across disks. Logical block b lives whole in stripe b mod N at local
// block b div N; blocks are never split across stripes.
package striped

import (
	"errors"
	"fmt"

	"github.com/kochman/stripeblock"
	"github.com/kochman/stripeblock/file"
)

type Store struct {
	blockSize int
	stripes   []*file.Store
}

// Open opens one single-file block store per path. The stripes are owned
// exclusively by the returned store and are all closed by Close.
//
// preallocBlocks is the total pre-allocation across the whole store; each
// stripe is pre-allocated ceil(preallocBlocks/len(paths)) blocks, which
// rounds the total up to a multiple of the stripe count. If any stripe fails
// to open, every stripe opened before it is closed before the error is
// returned, so a failed Open never leaks a file handle.
func Open(paths []string, blockSize int, preallocBlocks int64, mode stripeblock.OpenMode) (*Store, error) {
	if len(paths) == 0 {
		return nil, stripeblock.ErrNoPaths
	}
	if blockSize <= 0 {
		return nil, stripeblock.ErrInvalidBlockSize
	}

	n := int64(len(paths))
	perStripe := (preallocBlocks + n - 1) / n

	stripes := make([]*file.Store, 0, len(paths))
	for _, path := range paths {
		fs, err := file.Open(path, blockSize, perStripe, mode)
		if err != nil {
			for _, opened := range stripes {
				opened.Close()
			}
			return nil, fmt.Errorf("unable to open stripe %s: %w", path, err)
		}
		stripes = append(stripes, fs)
	}

	s := &Store{
		blockSize: blockSize,
		stripes:   stripes,
	}
	return s, nil
}

// BlockSize returns the fixed per-block size in bytes, shared by all stripes.
func (s *Store) BlockSize() int {
	return s.blockSize
}

// locate maps a logical block to its stripe and local block number.
func (s *Store) locate(block int64) (*file.Store, int64) {
	n := int64(len(s.stripes))
	return s.stripes[block%n], block / n
}

// BeginRead issues an asynchronous read of logical block into p, dispatched
// to the one stripe that holds the block. The returned Op is started as soon
// as the stripe's own read is issued; the caller may wait on it immediately.
func (s *Store) BeginRead(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	stripe, local := s.locate(block)
	inner := stripe.BeginRead(local, p)
	go func() {
		op.Complete(stripe.EndRead(inner))
	}()
	return op
}

// EndRead blocks until op completes. If the stripe's read failed, the error
// is returned here, on the caller, not on the completion goroutine.
func (s *Store) EndRead(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// BeginWrite issues an asynchronous write of p to logical block, dispatched
// to the one stripe that holds the block.
func (s *Store) BeginWrite(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	stripe, local := s.locate(block)
	inner := stripe.BeginWrite(local, p)
	go func() {
		op.Complete(stripe.EndWrite(inner))
	}()
	return op
}

// EndWrite blocks until op completes and returns the number of bytes written.
func (s *Store) EndWrite(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// Read reads logical block into p and waits for the transfer to finish.
func (s *Store) Read(block int64, p []byte) (int, error) {
	return s.EndRead(s.BeginRead(block, p))
}

// Write writes p to logical block and waits for the transfer to finish.
func (s *Store) Write(block int64, p []byte) (int, error) {
	return s.EndWrite(s.BeginWrite(block, p))
}

// Close closes every stripe. A failure to close one stripe doesn't stop the
// remaining stripes from being closed; the errors are joined.
func (s *Store) Close() error {
	var errs []error
	for i, stripe := range s.stripes {
		if err := stripe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unable to close stripe %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
