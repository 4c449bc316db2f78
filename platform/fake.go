package platform

import (
	"context"
	"net/netip"
	"sync"

	"github.com/goccy/go-yaml"
)

// MemStore is an in-memory Store used by tests; core always opens a
// BadgerStore. Round-trips values through YAML too, so
// tests exercise the same (de)serialization path production code does.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Load(key string, out any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, yaml.Unmarshal(buf, out)
}

func (m *MemStore) Store(key string, value any) error {
	buf, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = buf
	return nil
}

func (m *MemStore) Erase(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Close() error { return nil }

// memEventReader is the EventReader half of MemEventSource.
type memEventReader struct {
	ch chan PlatformEvent
}

func (r *memEventReader) Chan() <-chan PlatformEvent { return r.ch }
func (r *memEventReader) Close()                     {}

// MemEventSource is a hand-driven EventSource for tests: Emit pushes an
// event to every current subscriber.
type MemEventSource struct {
	mu   sync.Mutex
	subs []chan PlatformEvent
}

func NewMemEventSource() *MemEventSource {
	return &MemEventSource{}
}

func (s *MemEventSource) Subscribe() (EventReader, error) {
	ch := make(chan PlatformEvent, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return &memEventReader{ch: ch}, nil
}

func (s *MemEventSource) Emit(ev PlatformEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// FakeAgent is an in-memory ForwardingAgent that keeps fully worked-out
// route state without a real agent process to talk to. Tests use it, and
// core wires it in as the agent on every run, dry-run or not.
type FakeAgent struct {
	mu         sync.Mutex
	unicast    map[netip.Prefix]UnicastRoute
	mpls       map[uint32]MplsRoute
	aliveSince int64
	failNext   bool
}

func NewFakeAgent() *FakeAgent {
	return &FakeAgent{
		unicast:    make(map[netip.Prefix]UnicastRoute),
		mpls:       make(map[uint32]MplsRoute),
		aliveSince: 1,
	}
}

// FailNext makes the next mutating call return an error, once, to exercise
// Fib's dirty-resync path in tests.
func (a *FakeAgent) FailNext() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = true
}

func (a *FakeAgent) maybeFail() error {
	if a.failNext {
		a.failNext = false
		return context.DeadlineExceeded
	}
	return nil
}

// Restart bumps aliveSince, simulating an agent process restart.
func (a *FakeAgent) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliveSince++
}

func (a *FakeAgent) AddUnicastRoutes(ctx context.Context, clientId uint16, routes []UnicastRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	for _, r := range routes {
		a.unicast[r.Prefix] = r
	}
	return nil
}

func (a *FakeAgent) DeleteUnicastRoutes(ctx context.Context, clientId uint16, prefixes []netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	for _, p := range prefixes {
		delete(a.unicast, p)
	}
	return nil
}

func (a *FakeAgent) SyncFib(ctx context.Context, clientId uint16, routes []UnicastRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	a.unicast = make(map[netip.Prefix]UnicastRoute, len(routes))
	for _, r := range routes {
		a.unicast[r.Prefix] = r
	}
	return nil
}

func (a *FakeAgent) AddMplsRoutes(ctx context.Context, clientId uint16, routes []MplsRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	for _, r := range routes {
		a.mpls[r.Label] = r
	}
	return nil
}

func (a *FakeAgent) DeleteMplsRoutes(ctx context.Context, clientId uint16, labels []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	for _, l := range labels {
		delete(a.mpls, l)
	}
	return nil
}

func (a *FakeAgent) SyncMplsFib(ctx context.Context, clientId uint16, routes []MplsRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	a.mpls = make(map[uint32]MplsRoute, len(routes))
	for _, r := range routes {
		a.mpls[r.Label] = r
	}
	return nil
}

func (a *FakeAgent) AliveSince(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aliveSince, nil
}

// UnicastRoutes snapshots currently-installed routes, for test assertions.
func (a *FakeAgent) UnicastRoutes() map[netip.Prefix]UnicastRoute {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[netip.Prefix]UnicastRoute, len(a.unicast))
	for k, v := range a.unicast {
		out[k] = v
	}
	return out
}
