// Package file implements a block store backed by a single flat file. Block b
// occupies bytes [b*blockSize, (b+1)*blockSize) of the file; there is no
// header and no metadata.
package file

import (
	"fmt"
	"os"
	"sync"

	"github.com/kochman/stripeblock"
)

type Store struct {
	blockSize int

	mu     sync.Mutex
	f      *os.File
	size   int64 // current file length, maintained under mu
	closed bool
}

// Open opens or creates the block store at path. If preallocBlocks is
// positive the file is extended to blockSize*preallocBlocks bytes up front,
// which keeps the filesystem from fragmenting the file as blocks are written
// later. A pre-allocation failure closes the file before the error is
// returned.
func Open(path string, blockSize int, preallocBlocks int64, mode stripeblock.OpenMode) (*Store, error) {
	if blockSize <= 0 {
		return nil, stripeblock.ErrInvalidBlockSize
	}

	flag := os.O_RDWR
	switch mode {
	case stripeblock.CreateNew:
		flag |= os.O_CREATE | os.O_EXCL
	case stripeblock.OpenExisting:
	case stripeblock.OpenOrCreate:
		flag |= os.O_CREATE
	default:
		return nil, fmt.Errorf("unknown open mode %d", mode)
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to stat %s: %w", path, err)
	}
	size := fi.Size()

	if want := int64(blockSize) * preallocBlocks; want > size {
		if err := preallocate(f, want); err != nil {
			f.Close()
			return nil, fmt.Errorf("unable to preallocate %s: %w", path, err)
		}
		size = want
	}

	s := &Store{
		blockSize: blockSize,
		f:         f,
		size:      size,
	}
	return s, nil
}

// BlockSize returns the fixed per-block size in bytes.
func (s *Store) BlockSize() int {
	return s.blockSize
}

// BeginRead issues an asynchronous read of block into p. At most one block is
// transferred; if p is longer than the block size only the first block-size
// bytes are filled. Reading a block past the end of the file is not
// auto-extended and fails with the underlying I/O error.
func (s *Store) BeginRead(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	if len(p) > s.blockSize {
		p = p[:s.blockSize]
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		op.Complete(0, stripeblock.ErrClosed)
		return op
	}
	f := s.f
	s.mu.Unlock()

	go func() {
		n, err := f.ReadAt(p, block*int64(s.blockSize))
		if err != nil {
			err = fmt.Errorf("unable to read block %d: %w", block, err)
		}
		op.Complete(n, err)
	}()
	return op
}

// EndRead blocks until op completes and returns the number of bytes read.
func (s *Store) EndRead(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// BeginWrite issues an asynchronous write of p to block. At most one block is
// transferred. If the file is currently shorter than (block+1)*blockSize it
// is extended to exactly that length first; the length check and the
// extension happen under the store lock, so concurrent writers racing toward
// higher blocks can't shrink each other's growth.
func (s *Store) BeginWrite(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	if len(p) > s.blockSize {
		p = p[:s.blockSize]
	}
	off := block * int64(s.blockSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		op.Complete(0, stripeblock.ErrClosed)
		return op
	}
	if want := off + int64(s.blockSize); want > s.size {
		if err := s.f.Truncate(want); err != nil {
			s.mu.Unlock()
			op.Complete(0, fmt.Errorf("unable to grow to block %d: %w", block, err))
			return op
		}
		s.size = want
	}
	f := s.f
	s.mu.Unlock()

	go func() {
		n, err := f.WriteAt(p, off)
		if err != nil {
			err = fmt.Errorf("unable to write block %d: %w", block, err)
		}
		op.Complete(n, err)
	}()
	return op
}

// EndWrite blocks until op completes and returns the number of bytes written.
func (s *Store) EndWrite(op *stripeblock.Op) (int, error) {
	return op.Wait()
}

// Read reads block into p and waits for the transfer to finish.
func (s *Store) Read(block int64, p []byte) (int, error) {
	return s.EndRead(s.BeginRead(block, p))
}

// Write writes p to block and waits for the transfer to finish.
func (s *Store) Write(block int64, p []byte) (int, error) {
	return s.EndWrite(s.BeginWrite(block, p))
}

// Close releases the underlying file. It is idempotent. Transfers still in
// flight when Close runs fail with the file's closed-file error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("unable to close: %w", err)
	}
	return nil
}
