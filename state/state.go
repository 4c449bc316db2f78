package state

import (
	"context"
	"log/slog"
)

// NyModule is the lifecycle contract every core component (Spark, KvStore,
// LinkMonitor, PrefixManager/Allocator, Decision, Fib) implements: construct,
// Init against the shared State, run via dispatched handlers and scheduled
// tasks, Cleanup on shutdown.
type NyModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State is owned by the single dispatch loop (core.MainLoop) and must only
// be touched from handlers running on it (: "handlers single
// threaded and cooperative"). Components reach into State via Get[T].
type State struct {
	*Env
	Modules map[string]NyModule
}

// Get returns the registered module of type T, panicking if it is missing -
// a programmer error (module wiring), not a runtime condition.
func Get[T NyModule](s *State) T {
	for _, m := range s.Modules {
		if t, ok := m.(T); ok {
			return t
		}
	}
	panic("module not registered")
}

// Env is read-only (after construction) shared environment: the immutable
// Config, the dispatch channel used to re-enter the loop from other
// goroutines, and the root logger.
type Env struct {
	Config
	DispatchChannel chan<- func(s *State) error
	Context         context.Context
	Cancel          context.CancelCauseFunc
	Log             *slog.Logger
}
