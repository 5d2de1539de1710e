package siphon

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := newFuture()

	var calls int
	f.listen(func(error) { calls++ })

	if !f.complete(nil) {
		t.Fatal("first complete rejected")
	}
	if f.complete(errors.New("late")) {
		t.Fatal("second complete accepted")
	}
	if calls != 1 {
		t.Fatalf("listener ran %d times", calls)
	}
	if f.Err() != nil {
		t.Fatalf("err = %v, want nil (first complete wins)", f.Err())
	}
}

func TestFutureListenAfterDone(t *testing.T) {
	f := newFuture()
	want := errors.New("boom")
	f.complete(want)

	var got error
	f.listen(func(err error) { got = err })
	if got != want {
		t.Fatalf("late listener got %v, want %v", got, want)
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCompoundWaitsForAllAndJoinsErrors(t *testing.T) {
	a, b, c := newFuture(), newFuture(), newFuture()
	res := compound([]*Future{a, b, c})

	a.complete(nil)
	boom := errors.New("boom")
	b.complete(boom)
	if res.isDone() {
		t.Fatal("compound resolved before every member")
	}
	c.complete(nil)

	err := res.Wait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want joined boom", err)
	}
}

func TestCompoundNilOnEmpty(t *testing.T) {
	if f := compound(nil); f != nil {
		t.Fatal("compound over nothing must be nil")
	}
}
