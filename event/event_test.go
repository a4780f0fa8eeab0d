package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitUntilExtendsLifetime(t *testing.T) {
	e := NewExtendable(context.Background())
	var done atomic.Bool
	e.WaitUntil(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		e.WaitUntil(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Store(true)
			return nil
		})
		return nil
	})
	if err := e.Wait(); err != nil {
		t.Fatal(err)
	}
	if !done.Load() {
		t.Fatal("Nested work did not finish before Wait returned")
	}
}

func TestWaitReturnsFirstError(t *testing.T) {
	e := NewExtendable(context.Background())
	boom := errors.New("boom")
	e.WaitUntil(func(ctx context.Context) error { return boom })
	if err := e.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Error is %v", err)
	}
}
