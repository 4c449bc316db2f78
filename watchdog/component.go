// Package watchdog checks that the single dispatch loop all core components
// share is still draining handlers within a deadline, and forces a shutdown
// if it has stalled so an external supervisor can restart the process.
package watchdog

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/open-r/openr/state"
)

// Component is Open/R's Watchdog module.
type Component struct {
	env  *state.Env
	self state.NodeId

	names []string

	lastBeat atomic.Int64 // unix nanos of the last tick the dispatch loop processed
	fired    atomic.Bool
}

func New() *Component {
	return &Component{}
}

// Track records name as a component the watchdog reports on. It only
// affects Status' output; liveness itself is a property of the one shared
// dispatch loop, not of any individual component. Call before Init, during
// single-threaded bootstrap wiring.
func (c *Component) Track(name string) {
	c.names = append(c.names, name)
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName
	c.lastBeat.Store(time.Now().UnixNano())

	c.env.RepeatTask(c.beat, state.WatchdogTick)
	go c.monitor()
	return nil
}

func (c *Component) Cleanup(s *state.State) error { return nil }

// beat runs as a RepeatTask callback: simply reaching the front of the
// dispatch channel and executing proves the loop is still alive.
func (c *Component) beat(s *state.State) error {
	state.Get[*Component](s).lastBeat.Store(time.Now().UnixNano())
	return nil
}

// monitor polls lastBeat off the dispatch loop (an atomic read, not a
// DispatchWait: if the loop really is stuck, a DispatchWait here would just
// join the stall instead of detecting it) and fires once the gap between
// ticks exceeds WatchdogDeadline.
func (c *Component) monitor() {
	ticker := time.NewTicker(state.WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stalledFor := time.Since(time.Unix(0, c.lastBeat.Load()))
			if stalledFor > state.WatchdogDeadline {
				c.fireStall(stalledFor)
			}
		case <-c.env.Context.Done():
			return
		}
	}
}

func (c *Component) fireStall(stalledFor time.Duration) {
	if c.fired.Swap(true) {
		return
	}
	c.env.Log.Error("watchdog: dispatch loop stalled past deadline", "stalledFor", stalledFor, "tracked", c.names)
	c.env.Cancel(fmt.Errorf("watchdog: dispatch loop stalled for %s", stalledFor))
}

// Status is a point-in-time liveness report, exercised by the control-plane
// CLI's "watchdog status" command. It reads lastBeat directly rather than
// going through the dispatch loop, for the same reason monitor does.
type Status struct {
	Alive      bool
	StalledFor time.Duration
	Tracked    []string
}

func (c *Component) Status() Status {
	stalledFor := time.Since(time.Unix(0, c.lastBeat.Load()))
	return Status{
		Alive:      stalledFor <= state.WatchdogDeadline,
		StalledFor: stalledFor,
		Tracked:    append([]string(nil), c.names...),
	}
}
