package ledger

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerStopsOnCancel(t *testing.T) {
	chain, repo, _ := newFileChain(t)
	appendChainOf(t, chain, 2)

	verifier := NewVerifier(repo, testLogger(), 0)
	scheduler := NewVerifyScheduler(verifier, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestSchedulerDisabledInterval(t *testing.T) {
	_, repo, _ := newFileChain(t)
	verifier := NewVerifier(repo, testLogger(), 0)
	scheduler := NewVerifyScheduler(verifier, 0, testLogger())

	done := make(chan struct{})
	go func() {
		scheduler.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
}
