package reactor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodeagent/pkg/log"
	"github.com/cuemby/nodeagent/pkg/metrics"
)

// DefaultTimeout is used when New is given a zero timeout.
const DefaultTimeout = 5 * time.Second

// Callback is one reconciliation tick. A non-nil error is logged and
// swallowed; the Reactor keeps running (spec §4.5, §7 item 1/2). Fatal
// conditions must be raised by the callback through its own channel;
// an error returned here, fatal or not, is only logged.
type Callback func() error

// Reactor is a single-threaded, coalescing, edge-triggered work driver.
// At most one Callback execution is ever in flight; Update() calls that
// arrive while one is running are folded into a single follow-up run.
type Reactor struct {
	callback Callback
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	pending bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Reactor that invokes callback. timeout is the periodic
// fallback interval; zero or negative uses DefaultTimeout. The Reactor
// does not start running until Start is called.
func New(callback Callback, timeout time.Duration) *Reactor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reactor{
		callback: callback,
		timeout:  timeout,
		logger:   log.WithComponent("reactor"),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins scheduling. It is not idempotent; call it once.
func (r *Reactor) Start() {
	go r.run()
}

// Update is a nonblocking, idempotent poke. If no callback is in flight
// and none is already scheduled, it schedules one. If a callback is in
// flight, it arranges for exactly one more run after the current one
// finishes. Any number of calls collapse into that single outcome.
func (r *Reactor) Update() {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	if r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop halts scheduling and blocks until the in-flight callback (if any)
// returns. No callback begins after Stop returns.
func (r *Reactor) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reactor) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
		case <-time.After(r.timeout):
			metrics.ReactorTimeoutFiringsTotal.Inc()
		}

		r.drainAndInvoke()

		select {
		case <-r.stopCh:
			return
		default:
		}
	}
}

// drainAndInvoke runs the callback, then immediately re-runs it for as
// long as an Update() arrived while it was executing, without waiting
// for another wake or timeout.
func (r *Reactor) drainAndInvoke() {
	for {
		r.mu.Lock()
		r.running = true
		r.pending = false
		r.mu.Unlock()

		r.invokeOnce()

		r.mu.Lock()
		r.running = false
		again := r.pending
		r.mu.Unlock()

		if !again {
			return
		}
		metrics.ReactorUpdatesCoalescedTotal.Inc()
	}
}

func (r *Reactor) invokeOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("reconciliation callback panicked")
		}
	}()
	if err := r.callback(); err != nil {
		r.logger.Error().Err(err).Msg("reconciliation tick failed")
	}
}
