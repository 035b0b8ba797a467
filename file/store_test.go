package file

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-test/deep"

	"github.com/kochman/stripeblock"
)

func pattern(b byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	// make sure we conform to the interface
	var s stripeblock.Store
	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	if s.BlockSize() != 64 {
		t.Errorf("expected block size 64, got %d", s.BlockSize())
	}

	for _, block := range []int64{0, 3, 1} {
		want := pattern(byte('a'+block), 64)
		n, err := s.Write(block, want)
		if err != nil {
			t.Fatalf("unable to write block %d: %v", block, err)
		}
		if n != 64 {
			t.Errorf("expected to write 64 bytes, wrote %d", n)
		}

		got := make([]byte, 64)
		n, err = s.Read(block, got)
		if err != nil {
			t.Fatalf("unable to read block %d: %v", block, err)
		}
		if n != 64 {
			t.Errorf("expected to read 64 bytes, read %d", n)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("block %d: expected %v, got %v", block, want, got)
		}
	}
}

func TestTransferCappedToBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	// lay down known contents in blocks 0 and 1
	if _, err := s.Write(0, pattern('a', 64)); err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if _, err := s.Write(1, pattern('b', 64)); err != nil {
		t.Fatalf("unable to write: %v", err)
	}

	// an oversized write transfers exactly one block and doesn't bleed
	// into the next
	n, err := s.Write(0, pattern('x', 80))
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if n != 64 {
		t.Errorf("expected oversized write capped to 64 bytes, wrote %d", n)
	}
	got := make([]byte, 64)
	if _, err := s.Read(1, got); err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if !bytes.Equal(got, pattern('b', 64)) {
		t.Errorf("block 1 disturbed by oversized write to block 0")
	}

	// a short write transfers exactly the requested length
	n, err = s.Write(0, []byte("hello"))
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if n != 5 {
		t.Errorf("expected to write 5 bytes, wrote %d", n)
	}
	if _, err := s.Read(0, got); err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	want := append([]byte("hello"), pattern('x', 59)...)
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("unexpected block 0 contents: %v", diff)
	}

	// an oversized read is capped too
	big := make([]byte, 80)
	n, err = s.Read(0, big)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if n != 64 {
		t.Errorf("expected oversized read capped to 64 bytes, read %d", n)
	}
}

func TestPreallocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 5, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if fi.Size() != 5*64 {
		t.Errorf("expected file length %d, got %d", 5*64, fi.Size())
	}

	// reopening with a smaller preallocation must not shrink the file
	if err := s.Close(); err != nil {
		t.Fatalf("unable to close: %v", err)
	}
	s, err = Open(path, 64, 2, stripeblock.OpenExisting)
	if err != nil {
		t.Fatalf("unable to reopen store: %v", err)
	}
	defer s.Close()
	fi, err = os.Stat(path)
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if fi.Size() != 5*64 {
		t.Errorf("expected file length %d after reopen, got %d", 5*64, fi.Size())
	}
}

func TestGrowthOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	// a short write to block 3 grows the file to exactly four blocks
	if _, err := s.Write(3, []byte("hi")); err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if fi.Size() != 4*64 {
		t.Errorf("expected file length %d, got %d", 4*64, fi.Size())
	}

	// writing an earlier block doesn't shrink it
	if _, err := s.Write(1, pattern('a', 64)); err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	fi, err = os.Stat(path)
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if fi.Size() != 4*64 {
		t.Errorf("expected file length %d, got %d", 4*64, fi.Size())
	}
}

func TestReadPastEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	p := make([]byte, 64)
	_, err = s.Read(7, p)
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF reading past end, got %v", err)
	}
}

func TestInvalidBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	for _, bs := range []int{0, -1} {
		_, err := Open(path, bs, 0, stripeblock.CreateNew)
		if !errors.Is(err, stripeblock.ErrInvalidBlockSize) {
			t.Errorf("block size %d: expected ErrInvalidBlockSize, got %v", bs, err)
		}
	}

	// nothing should have been created
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected no file, stat returned %v", err)
	}
}

func TestOpenModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	// open-existing on a missing file fails
	_, err := Open(path, 64, 0, stripeblock.OpenExisting)
	if err == nil {
		t.Fatal("expected error opening missing file")
	}

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to create store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unable to close: %v", err)
	}

	// create-new on an existing file fails
	_, err = Open(path, 64, 0, stripeblock.CreateNew)
	if err == nil {
		t.Fatal("expected error creating over existing file")
	}

	// open-or-create takes either
	s, err = Open(path, 64, 0, stripeblock.OpenOrCreate)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	s.Close()
}

func TestClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unable to close: %v", err)
	}
	// idempotent
	if err := s.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	p := make([]byte, 64)
	if _, err := s.Read(0, p); !errors.Is(err, stripeblock.ErrClosed) {
		t.Errorf("expected ErrClosed from read, got %v", err)
	}
	if _, err := s.Write(0, p); !errors.Is(err, stripeblock.ErrClosed) {
		t.Errorf("expected ErrClosed from write, got %v", err)
	}
}

func TestAsync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	// issue several writes before waiting on any of them
	ops := make([]*stripeblock.Op, 8)
	for i := range ops {
		ops[i] = s.BeginWrite(int64(i), pattern(byte('a'+i), 64))
	}
	for i, op := range ops {
		n, err := s.EndWrite(op)
		if err != nil {
			t.Fatalf("unable to write block %d: %v", i, err)
		}
		if n != 64 {
			t.Errorf("block %d: expected to write 64 bytes, wrote %d", i, n)
		}
	}

	bufs := make([][]byte, 8)
	rops := make([]*stripeblock.Op, 8)
	for i := range rops {
		bufs[i] = make([]byte, 64)
		rops[i] = s.BeginRead(int64(i), bufs[i])
	}
	// wait in reverse issuance order; completion order doesn't matter
	for i := len(rops) - 1; i >= 0; i-- {
		if _, err := s.EndRead(rops[i]); err != nil {
			t.Fatalf("unable to read block %d: %v", i, err)
		}
		if !bytes.Equal(bufs[i], pattern(byte('a'+i), 64)) {
			t.Errorf("block %d: unexpected contents", i)
		}
	}
}

func TestConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")

	s, err := Open(path, 64, 0, stripeblock.CreateNew)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(block int64) {
			defer wg.Done()
			if _, err := s.Write(block, pattern(byte(block), 64)); err != nil {
				t.Errorf("unable to write block %d: %v", block, err)
			}
		}(int64(i))
	}
	wg.Wait()

	got := make([]byte, 64)
	for i := int64(0); i < 16; i++ {
		if _, err := s.Read(i, got); err != nil {
			t.Fatalf("unable to read block %d: %v", i, err)
		}
		if !bytes.Equal(got, pattern(byte(i), 64)) {
			t.Errorf("block %d: unexpected contents", i)
		}
	}
}
