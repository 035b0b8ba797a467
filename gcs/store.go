// Package gcs implements a block store on a Google Cloud Storage bucket.
// Each store lives under an id prefix: <id>/manifest.json records the block
// size, and block b is the object <id>/blocks/<b in base 36>. Blocks that
// were never written read back as zeros. Pre-allocation is meaningless for
// objects, so there is none.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/kochman/stripeblock"
)

// ErrExists is returned when CreateNew finds a store already at the id.
var ErrExists = errors.New("gcs: store already exists")

// Backend is a handle on one bucket. Stores are created, opened, and deleted
// through it.
type Backend struct {
	b *storage.BucketHandle
}

// NewBackend connects to bucket. Credentials come from the environment unless
// overridden with opts.
func NewBackend(ctx context.Context, bucket string, opts ...option.ClientOption) (*Backend, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	bh := client.Bucket(bucket)
	_, err = bh.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}

	backend := &Backend{
		b: bh,
	}
	return backend, nil
}

type manifest struct {
	BlockSize int
}

// Open opens or creates the store at id. blockSize only matters when the
// store is being created; opening an existing store uses the block size its
// manifest records.
func (b *Backend) Open(ctx context.Context, id string, blockSize int, mode stripeblock.OpenMode) (*Store, error) {
	obj := b.b.Object(id + "/manifest.json")
	_, err := obj.Attrs(ctx)
	exists := true
	if err == storage.ErrObjectNotExist {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("unable to check manifest: %w", err)
	}

	switch mode {
	case stripeblock.CreateNew:
		if exists {
			return nil, ErrExists
		}
	case stripeblock.OpenExisting:
		if !exists {
			return nil, fmt.Errorf("unable to open %s: %w", id, storage.ErrObjectNotExist)
		}
	case stripeblock.OpenOrCreate:
	default:
		return nil, fmt.Errorf("unknown open mode %d", mode)
	}

	m := manifest{BlockSize: blockSize}
	if exists {
		mo, err := obj.NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to get manifest reader: %w", err)
		}
		defer mo.Close()
		m = manifest{}
		dec := json.NewDecoder(mo)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("unable to read manifest: %w", err)
		}
	} else {
		if blockSize <= 0 {
			return nil, stripeblock.ErrInvalidBlockSize
		}
		mw := obj.NewWriter(ctx)
		enc := json.NewEncoder(mw)
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("unable to write manifest: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("unable to close manifest: %w", err)
		}
	}
	if m.BlockSize <= 0 {
		return nil, fmt.Errorf("manifest for %s: %w", id, stripeblock.ErrInvalidBlockSize)
	}

	s := &Store{
		b:         b.b,
		prefix:    id,
		blockSize: m.BlockSize,
	}
	return s, nil
}

// Delete removes every object under id. It is on the backend instead of the
// store so that it's possible to make sure a store is gone without opening a
// handle on it first.
func (b *Backend) Delete(ctx context.Context, id string) error {
	q := &storage.Query{Prefix: id + "/"}
	it := b.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return fmt.Errorf("unable to iterate: %w", err)
		}

		obj := b.b.Object(attrs.Name)
		if err := obj.Delete(ctx); err != nil {
			return fmt.Errorf("unable to delete [%s]: %w", obj.ObjectName(), err)
		}
	}
	return nil
}

type Store struct {
	b         *storage.BucketHandle
	prefix    string
	blockSize int

	mu     sync.Mutex
	closed bool
}

// BlockSize returns the fixed per-block size in bytes.
func (s *Store) BlockSize() int {
	return s.blockSize
}

func (s *Store) object(block int64) *storage.ObjectHandle {
	return s.b.Object(s.prefix + "/blocks/" + strconv.FormatInt(block, 36))
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// read fills p from the block's object. An absent object, or one shorter than
// the requested length, reads as zeros past what's there.
func (s *Store) read(block int64, p []byte) (int, error) {
	ctx := context.Background()
	r, err := s.object(block).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	} else if err != nil {
		return 0, fmt.Errorf("unable to open block %d: %w", block, err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	} else if err != nil {
		return n, fmt.Errorf("unable to read block %d: %w", block, err)
	}
	return n, nil
}

// write replaces the block's object. Objects can't be patched in place, so a
// write shorter than the block size reads the current block, lays the new
// bytes over its front, and writes the whole block back.
func (s *Store) write(block int64, p []byte) (int, error) {
	ctx := context.Background()

	buf := p
	if len(p) < s.blockSize {
		buf = make([]byte, s.blockSize)
		if _, err := s.read(block, buf); err != nil {
			return 0, err
		}
		copy(buf, p)
	}

	w := s.object(block).NewWriter(ctx)
	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("unable to write block %d: %w", block, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("unable to close block %d: %w", block, err)
	}
	return len(p), nil
}

// BeginRead issues an asynchronous read of block into p.
func (s *Store) BeginRead(block int64, p []byte) *stripeblock.Op {
	op := stripeblock.NewOp()
	if len(p) > s.blockSize {
		p = p[:s.blockSize]
	}
	if s.isClosed() {
		op.Complete(0, stripeblock.ErrClosed)
		return op
	}
	go func() {
		op.Complete(s.read(block, p))
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
	if len(p) > s.blockSize {
		p = p[:s.blockSize]
	}
	if s.isClosed() {
		op.Complete(0, stripeblock.ErrClosed)
		return op
	}
	go func() {
		op.Complete(s.write(block, p))
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

// Close marks the store closed. Objects hold no open resource of their own;
// the shared client belongs to the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
