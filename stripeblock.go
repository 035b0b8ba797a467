// Package stripeblock provides fixed-size block storage over files. A store
// addresses its contents as zero-based blocks of a fixed byte size; no
// operation ever spans two blocks. The file package stores blocks in a single
// file, the striped package spreads logical blocks round-robin across several
// files, and the gcs package keeps blocks as objects in a Cloud Storage
// bucket. What lives inside a block is entirely up to the caller: there are
// no checksums, no allocation tables, and no transactions here.
package stripeblock

import "errors"

var (
	// ErrInvalidBlockSize is returned when a store is constructed with a
	// block size that isn't positive.
	ErrInvalidBlockSize = errors.New("stripeblock: block size must be positive")

	// ErrNoPaths is returned when a striped store is constructed with an
	// empty path list.
	ErrNoPaths = errors.New("stripeblock: no stripe paths")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("stripeblock: store is closed")
)

// OpenMode controls how a store's backing file is opened.
type OpenMode int

const (
	// CreateNew creates the file and fails if it already exists.
	CreateNew OpenMode = iota
	// OpenExisting opens the file and fails if it doesn't exist.
	OpenExisting
	// OpenOrCreate opens the file, creating it if necessary.
	OpenOrCreate
)

func (m OpenMode) String() string {
	switch m {
	case CreateNew:
		return "create-new"
	case OpenExisting:
		return "open-existing"
	case OpenOrCreate:
		return "open-or-create"
	}
	return "unknown"
}

// Store is a fixed-size block store. Read and Write transfer at most one
// block: the transfer length is min(len(p), BlockSize()), and transfers
// always start at the beginning of the addressed block.
//
// BeginRead and BeginWrite issue the transfer and return immediately; the
// matching EndRead or EndWrite blocks until it completes and reports the
// outcome. Each Op must be consumed by exactly one matching End call on the
// store that issued it; anything else is caller misuse and isn't guarded
// against. The synchronous Read and Write are begin-then-end compositions.
//
// Stores aren't transactional. Concurrent operations on different blocks are
// safe; ordering between concurrent operations on the same block is the
// caller's problem.
type Store interface {
	// BlockSize returns the fixed per-block size in bytes.
	BlockSize() int

	Read(block int64, p []byte) (int, error)
	Write(block int64, p []byte) (int, error)

	BeginRead(block int64, p []byte) *Op
	EndRead(op *Op) (int, error)
	BeginWrite(block int64, p []byte) *Op
	EndWrite(op *Op) (int, error)

	// Close releases the store's underlying resources. It is idempotent.
	// Operations issued after Close fail with ErrClosed.
	Close() error
}

// Op is the completion cell for one asynchronous transfer. It is assigned
// exactly once, by whatever completes the inner I/O, and consumed by the
// matching End call. Store implementations create one per Begin call;
// callers only ever hand it back to End.
type Op struct {
	done chan struct{}
	n    int
	err  error
}

// NewOp returns an unfinished Op. For use by Store implementations.
func NewOp() *Op {
	return &Op{done: make(chan struct{})}
}

// Complete records the transfer outcome and wakes anything blocked in Wait.
// It must be called exactly once per Op.
func (o *Op) Complete(n int, err error) {
	o.n = n
	o.err = err
	close(o.done)
}

// Wait blocks until Complete has run and returns the recorded outcome.
func (o *Op) Wait() (int, error) {
	<-o.done
	return o.n, o.err
}
