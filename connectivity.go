package localfirst

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ConnState is the connectivity state as seen by the data layer.
type ConnState int

const (
	StateOnline ConnState = iota
	StateOffline
	// StateDegraded means the platform reports a network but requests are
	// failing as if there were none.
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "online":
		*s = StateOnline
	case "offline":
		*s = StateOffline
	case "degraded":
		*s = StateDegraded
	default:
		return fmt.Errorf("unknown connectivity state %q", b)
	}
	return nil
}

// Trigger is an input to the connectivity state machine.
type Trigger int

const (
	TriggerBrowserOnline Trigger = iota
	TriggerBrowserOffline
	TriggerFetchFailed
	TriggerFetchSucceeded
	TriggerProbeFailed
	TriggerProbeSucceeded
)

func (t Trigger) String() string {
	switch t {
	case TriggerBrowserOnline:
		return "browser_online"
	case TriggerBrowserOffline:
		return "browser_offline"
	case TriggerFetchFailed:
		return "fetch_failed"
	case TriggerFetchSucceeded:
		return "fetch_succeeded"
	case TriggerProbeFailed:
		return "probe_failed"
	case TriggerProbeSucceeded:
		return "probe_succeeded"
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// next is the transition table. Failures never take an Offline machine to
// Degraded; any evidence of a working network brings it back Online.
func next(from ConnState, t Trigger) ConnState {
	switch t {
	case TriggerBrowserOnline, TriggerFetchSucceeded, TriggerProbeSucceeded:
		return StateOnline
	case TriggerBrowserOffline:
		return StateOffline
	case TriggerFetchFailed, TriggerProbeFailed:
		if from == StateOffline {
			return StateOffline
		}
		return StateDegraded
	}
	return from
}

// ChangeHandler observes a connectivity transition.
type ChangeHandler func(from, to ConnState, cause Trigger)

// Connectivity tracks Online/Offline/Degraded for the cache and the queue.
type Connectivity struct {
	mu        sync.RWMutex
	state     ConnState
	listeners map[int]ChangeHandler
	nextID    int
	logger    *zap.Logger
}

// NewConnectivity creates a state machine in the given initial state.
func NewConnectivity(initial ConnState, logger *zap.Logger) *Connectivity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connectivity{
		state:     initial,
		listeners: make(map[int]ChangeHandler),
		logger:    logger,
	}
}

// State returns the current state.
func (c *Connectivity) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOnline reports whether the state is Online.
func (c *Connectivity) IsOnline() bool {
	return c.State() == StateOnline
}

// SetOnline feeds a platform connectivity event.
func (c *Connectivity) SetOnline(online bool) ConnState {
	if online {
		return c.Apply(TriggerBrowserOnline)
	}
	return c.Apply(TriggerBrowserOffline)
}

// Apply feeds a trigger and returns the resulting state. Listeners run
// synchronously, outside the lock, only when the state changed.
func (c *Connectivity) Apply(t Trigger) ConnState {
	c.mu.Lock()
	from := c.state
	to := next(from, t)
	c.state = to
	var handlers []ChangeHandler
	if from != to {
		handlers = make([]ChangeHandler, 0, len(c.listeners))
		for _, h := range c.listeners {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	if from == to {
		return to
	}
	c.logger.Info("connectivity changed",
		zap.Stringer("from", from), zap.Stringer("to", to), zap.Stringer("trigger", t))
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("connectivity listener panicked", zap.Any("panic", r))
				}
			}()
			h(from, to, t)
		}()
	}
	return to
}

// OnChange registers h and returns a function that removes it.
func (c *Connectivity) OnChange(h ChangeHandler) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
