package stripeblock

import (
	"errors"
	"testing"
	"time"
)

func TestOpCompleteThenWait(t *testing.T) {
	op := NewOp()
	op.Complete(42, nil)
	n, err := op.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
}

func TestOpWaitBlocksUntilComplete(t *testing.T) {
	op := NewOp()
	want := errors.New("boom")
	go func() {
		time.Sleep(10 * time.Millisecond)
		op.Complete(0, want)
	}()
	_, err := op.Wait()
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestOpWaitTwice(t *testing.T) {
	// a second Wait sees the same outcome; only End-style consumption is
	// a caller contract, not a property of the cell
	op := NewOp()
	op.Complete(7, nil)
	for i := 0; i < 2; i++ {
		n, err := op.Wait()
		if err != nil || n != 7 {
			t.Errorf("wait %d: expected (7, nil), got (%d, %v)", i, n, err)
		}
	}
}
