package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"

	"github.com/open-r/openr/decision"
	"github.com/open-r/openr/fib"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/linkmonitor"
	"github.com/open-r/openr/metrics"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/spark"
	"github.com/open-r/openr/state"
	"github.com/open-r/openr/watchdog"
)

// ReadConfig loads and validates a YAML config file.
func ReadConfig(configPath string) (*state.Config, error) {
	cfg := state.DefaultConfig()
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	if err := state.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Compile(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Bootstrap manages the lifetime of the whole daemon process. A restart of
// the dispatch loop (e.g. after Watchdog fires) is surfaced as Start
// returning, not as a panic; Bootstrap's job is just to read the config
// once and report a fatal startup error.
func Bootstrap(configPath string, verbose bool) error {
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return Start(*cfg, level, configPath)
}

func buildLogger(cfg state.Config, level slog.Level) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: string(cfg.NodeName),
		}),
	}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start wires every module together, runs the dispatch loop until
// cancellation, and tears everything down. It returns once the process
// should exit; Bootstrap's caller is responsible for os.Exit semantics.
func Start(cfg state.Config, level slog.Level, configPath string) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	dispatch := make(chan func(*state.State) error, 256)

	logger, err := buildLogger(cfg, level)
	if err != nil {
		return err
	}

	s := &state.State{
		Modules: make(map[string]state.NyModule),
		Env: &state.Env{
			Config:          cfg,
			DispatchChannel: dispatch,
			Context:         ctx,
			Cancel:          cancel,
			Log:             logger,
		},
	}

	s.Log.Info("init modules")
	if err := initModules(s); err != nil {
		return err
	}
	s.Log.Info("init modules complete")

	s.Log.Info("openr has been initialized; send SIGINT or SIGTERM to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			s.Cancel(fmt.Errorf("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	return MainLoop(s, dispatch)
}

// wiring bundles the constructed-but-not-yet-Init'd modules so initModules
// can register each by its conventional string key before calling Init, the
// same order every package's own tests rely on (kvstore, spark, and
// watchdog have no dependency on each other; everything downstream reads
// through kvstore or spark).
type wiring struct {
	kv   *kvstore.Component
	sp   *spark.Component
	lm   *linkmonitor.Component
	pm   *prefixmgr.Component
	alc  *prefixmgr.Allocator
	dec  *decision.Component
	fb   *fib.Component
	wd   *watchdog.Component
	ctl  *CtlServer
	agent platform.ForwardingAgent
}

func initModules(s *state.State) error {
	cfg := s.Env.Config

	store, err := platform.OpenBadgerStore(cfg.ConfigStorePath)
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}

	var agent platform.ForwardingAgent = platform.NewFakeAgent()
	var events platform.EventSource = platform.NewMemEventSource()
	var transport spark.Transport
	if cfg.DryRun {
		transport = spark.NewFakeTransport(spark.NewFakeMedium())
	} else {
		group, err := netip.ParseAddr("ff02::1:6")
		if err != nil {
			return err
		}
		transport = spark.NewUDPTransport(group, int(cfg.SparkMcastPort))
	}

	w := &wiring{agent: agent}
	w.kv = kvstore.New()
	w.sp = spark.New(transport, events)
	w.pm = prefixmgr.New(w.kv, store)
	w.lm = linkmonitor.New(w.kv, w.sp, w.pm, events)
	w.dec = decision.New(w.kv, state.DefaultArea)
	w.fb = fib.New(w.dec, w.kv, w.lm, agent, state.DefaultArea)
	w.wd = watchdog.New()
	if cfg.EnablePrefixAllocation {
		w.alc = prefixmgr.NewAllocator(w.kv, w.pm, agent, store)
	}

	type named struct {
		name   string
		module state.NyModule
	}
	ordered := []named{
		{"kvstore", w.kv},
		{"spark", w.sp},
		{"prefixmgr", w.pm},
		{"linkmonitor", w.lm},
		{"decision", w.dec},
		{"fib", w.fb},
		{"watchdog", w.wd},
	}
	if w.alc != nil {
		ordered = append(ordered, named{"prefixalloc", w.alc})
	}
	for _, n := range ordered {
		s.Modules[n.name] = n.module
		if err := n.module.Init(s); err != nil {
			return fmt.Errorf("init %s: %w", n.name, err)
		}
		w.wd.Track(n.name)
	}

	w.ctl = NewCtlServer(w.kv, w.dec, w.fb, w.lm, w.pm, w.alc, w.wd, nil)
	mux := w.ctl.Mux()
	mux.Handle("/metrics", metrics.Handler())
	addr := fmt.Sprintf(":%d", cfg.CtrlPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Log.Error("control server stopped", "err", err)
		}
	}()
	go func() {
		<-s.Context.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = store.Close()
	}()

	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun, ok := <-dispatch:
			if !ok {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			metrics.DispatchLatency.Observe(elapsed.Seconds())
			metrics.DispatchQueueDepth.Set(float64(len(dispatch)))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context))
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	s.Log.Info("cleaning up modules")
	for name, module := range s.Modules {
		if err := module.Cleanup(s); err != nil {
			s.Log.Error("error occurred during stop", "module", name, "error", err)
		}
	}
	s.Log.Info("stopped")
}
