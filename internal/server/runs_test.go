package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunTrackerOneTurnPerSession(t *testing.T) {
	rt := NewRunTracker()

	ctx, end, err := rt.Begin(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !rt.Active("s1") {
		t.Error("s1 should be active")
	}
	if _, _, err := rt.Begin(context.Background(), "s1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Begin = %v, want ErrBusy", err)
	}
	if _, endOther, err := rt.Begin(context.Background(), "s2"); err != nil {
		t.Fatalf("other session: %v", err)
	} else {
		endOther()
	}

	end()
	end() // idempotent
	if ctx.Err() == nil {
		t.Error("context not cancelled by end")
	}
	if rt.Active("s1") {
		t.Error("s1 still active after end")
	}
	if _, end, err := rt.Begin(context.Background(), "s1"); err != nil {
		t.Fatalf("Begin after end: %v", err)
	} else {
		end()
	}
}

func TestRunTrackerCancel(t *testing.T) {
	rt := NewRunTracker()
	if rt.Cancel("nope") {
		t.Error("Cancel reported a turn for an idle session")
	}

	ctx1, end1, _ := rt.Begin(context.Background(), "a")
	ctx2, end2, _ := rt.Begin(context.Background(), "b")
	defer end1()
	defer end2()

	if !rt.Cancel("a") {
		t.Fatal("Cancel(a) = false")
	}
	if ctx1.Err() == nil || ctx2.Err() != nil {
		t.Fatal("Cancel must only affect its own session")
	}

	rt.CancelAll()
	if ctx2.Err() == nil {
		t.Fatal("CancelAll left b running")
	}
}

func TestRunTrackerWait(t *testing.T) {
	rt := NewRunTracker()
	_, end, _ := rt.Begin(context.Background(), "a")

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rt.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with a running turn = %v", err)
	}

	go end()
	if err := rt.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
