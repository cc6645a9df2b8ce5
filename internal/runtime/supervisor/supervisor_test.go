package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndRecordsError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("kaboom") })
	s.Go0("fine", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected recorded panic error")
	}
	st, ok := s.Stat("boom")
	if !ok || st.Panics != 1 || st.Failures != 1 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st, _ := s.Stat("fine"); st.Failures != 0 || st.Started != 1 {
		t.Fatalf("fine stats = %+v", st)
	}
}

func TestCanceledIsCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("nope") })
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
	st, _ := s.Stat("flaky")
	if st.Restarts != 2 || st.Failures != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		panic("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestSnapshotCountsInFlight(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Go0("event", func(context.Context) { <-release })
	}
	deadline := time.Now().Add(time.Second)
	for {
		if st, _ := s.Stat("event"); st.Active == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("goroutines never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := s.Snapshot()
	if snap.Active != 3 || snap.Started != 3 || len(snap.Goroutines) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}
