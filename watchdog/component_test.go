package watchdog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/open-r/openr/state"
)

func withFastWatchdogTimers(t *testing.T) {
	t.Helper()
	origTick, origDeadline := state.WatchdogTick, state.WatchdogDeadline
	state.WatchdogTick = 10 * time.Millisecond
	state.WatchdogDeadline = 40 * time.Millisecond
	t.Cleanup(func() {
		state.WatchdogTick, state.WatchdogDeadline = origTick, origDeadline
	})
}

func newTestEnv(t *testing.T, dispatchBuf int) (*state.State, chan func(*state.State) error) {
	t.Helper()
	ch := make(chan func(*state.State) error, dispatchBuf)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
		Config:          state.Config{NodeName: "A", Domain: "openr", Areas: []state.Area{state.DefaultArea}},
		DispatchChannel: ch,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := &state.State{Env: env, Modules: map[string]state.NyModule{}}
	t.Cleanup(func() { cancel(nil) })
	return s, ch
}

func TestWatchdogStaysAliveWhileLoopDrains(t *testing.T) {
	withFastWatchdogTimers(t)
	s, ch := newTestEnv(t, 256)

	wd := New()
	wd.Track("kvstore")
	wd.Track("decision")
	s.Modules["watchdog"] = wd

	go func() {
		for {
			select {
			case f := <-ch:
				_ = f(s)
			case <-s.Context.Done():
				return
			}
		}
	}()

	if err := wd.Init(s); err != nil {
		t.Fatalf("watchdog init: %v", err)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !wd.Status().Alive {
			t.Fatalf("watchdog reported not alive while the loop was draining normally")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Env.Context.Err() != nil {
		t.Fatalf("watchdog cancelled the context despite a live loop: %v", context.Cause(s.Env.Context))
	}
}

func TestWatchdogFiresWhenLoopStalls(t *testing.T) {
	withFastWatchdogTimers(t)
	s, _ := newTestEnv(t, 256) // no drain goroutine started: nothing ever dequeues beat

	wd := New()
	s.Modules["watchdog"] = wd
	if err := wd.Init(s); err != nil {
		t.Fatalf("watchdog init: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Env.Context.Err() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Env.Context.Err() == nil {
		t.Fatal("expected watchdog to cancel the context once the loop stopped draining")
	}
	if status := wd.Status(); status.Alive {
		t.Fatalf("expected Status to report not alive after a stall, got %+v", status)
	}
}
