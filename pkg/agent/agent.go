package agent

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodeagent/pkg/desiredstate"
	"github.com/cuemby/nodeagent/pkg/events"
	"github.com/cuemby/nodeagent/pkg/log"
	"github.com/cuemby/nodeagent/pkg/portalloc"
	"github.com/cuemby/nodeagent/pkg/reactor"
	"github.com/cuemby/nodeagent/pkg/reconciler"
	"github.com/cuemby/nodeagent/pkg/store"
	"github.com/cuemby/nodeagent/pkg/supervisor"
)

// Config holds the dependencies an Agent wires together. All fields are
// required except ReactorTimeout and OnFatal.
type Config struct {
	Store          store.ExecutionsStore
	Factory        supervisor.Factory
	Desired        desiredstate.Source
	Allocator      *portalloc.Allocator
	ReactorTimeout time.Duration
	// OnFatal is called when the Reconciler hits a condition spec §7
	// classifies as fatal. If nil, the Agent logs and calls log.Fatal,
	// terminating the process — the safest default, since the agent
	// cannot guarantee its invariants without durable state.
	OnFatal reconciler.OnFatal
}

// Agent is the lifecycle façade described in spec §4.7.
type Agent struct {
	cfg      Config
	registry *supervisor.Registry
	rec      *reconciler.Reconciler
	react    *reactor.Reactor
	broker   *events.Broker
	eventSub events.Subscriber
	logger   zerolog.Logger
}

// New constructs an Agent from cfg. It does not touch the store,
// registry, or Reactor until Start is called.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, logger: log.WithComponent("agent")}
}

// Start implements spec §4.7: load the persisted map, recreate a
// Supervisor per row using its frozen ports, subscribe to the
// DesiredStateSource, start the Reactor, and trigger an initial tick.
func (a *Agent) Start() error {
	loaded, err := a.cfg.Store.Get()
	if err != nil {
		return fmt.Errorf("load executions map: %w", err)
	}

	a.broker = events.NewBroker()
	a.broker.Start()
	a.eventSub = a.broker.Subscribe()
	go a.logEvents(a.eventSub)

	a.registry = supervisor.NewRegistry(a.cfg.Factory)
	a.registry.SetEventBroker(a.broker)
	for jobId, exec := range loaded {
		if _, err := a.registry.Create(jobId, exec.Job, exec.Ports); err != nil {
			a.logger.Error().Str("job_id", jobId.String()).Err(err).Msg("failed to recreate supervisor on startup")
		}
	}

	onFatal := a.cfg.OnFatal
	if onFatal == nil {
		onFatal = func(fe *reconciler.FatalError) {
			a.logger.Fatal().Err(fe).Msg("fatal reconciler error, terminating")
		}
	}

	a.rec = reconciler.New(a.cfg.Desired, a.cfg.Store, a.registry, a.cfg.Allocator, loaded, onFatal)
	a.rec.SetEventBroker(a.broker)
	a.react = reactor.New(a.rec.Tick, a.cfg.ReactorTimeout)

	a.cfg.Desired.AddListener(desiredstate.ListenerFunc(func() {
		a.react.Update()
	}))

	a.react.Start()
	a.react.Update()

	a.logger.Info().Int("recovered_executions", len(loaded)).Msg("agent started")
	return nil
}

// Stop halts the Reactor (awaiting the in-flight tick) and then closes
// every supervisor in the registry. It never calls stop() on a
// supervisor — restarting the agent must not kill running containers
// (spec §4.7, P5, S6).
func (a *Agent) Stop() {
	if a.react != nil {
		a.react.Stop()
	}
	if a.registry != nil {
		for _, jobId := range a.registry.Keys() {
			if err := a.registry.CloseAndRemove(jobId); err != nil {
				a.logger.Warn().Str("job_id", jobId.String()).Err(err).Msg("supervisor close returned an error during shutdown")
			}
		}
	}
	if a.broker != nil {
		a.broker.Stop()
		a.broker.Unsubscribe(a.eventSub)
	}
	a.logger.Info().Msg("agent stopped")
}

// logEvents drains sub and logs each lifecycle notification until the
// channel is closed by Unsubscribe during Stop.
func (a *Agent) logEvents(sub events.Subscriber) {
	for evt := range sub {
		a.logger.Debug().Str("job_id", evt.JobID).Str("event", string(evt.Type)).Msg(evt.Message)
	}
}
