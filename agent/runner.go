package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/health"
	"github.com/eumaka/swf-testbed/registry"
)

// MalformedPolicy decides what an unparsable inbound message does to the
// agent process.
type MalformedPolicy int

const (
	// MalformedSkip logs and drops the message, counts it against the
	// tracker, and keeps consuming. Other sessions are unaffected.
	MalformedSkip MalformedPolicy = iota
	// MalformedFailFast terminates the agent on the first malformed
	// message. The supervisor restarts the process.
	MalformedFailFast
)

// RunFailurePolicy decides what a failed run registration does to later
// per-file work for that run.
type RunFailurePolicy int

const (
	// RunFailureBlock skips every file of an unregistered run with a
	// "run not registered" warning, counted as a failure per file.
	RunFailureBlock RunFailurePolicy = iota
	// RunFailureDegrade attempts per-file work anyway and only degrades
	// heartbeat status. Kept for operators who prefer availability over
	// consistency on registry outages.
	RunFailureDegrade
)

func (p MalformedPolicy) String() string {
	if p == MalformedFailFast {
		return "fail-fast"
	}
	return "skip"
}

func (p RunFailurePolicy) String() string {
	if p == RunFailureDegrade {
		return "degrade"
	}
	return "block"
}

// Handler is the per-role capability contract. OnEvent handles one decoded
// message to completion; ReportHeartbeat posts the role's current liveness.
// Both are called from the Runner's serialized loop except ReportHeartbeat,
// which additionally fires on a timer.
type Handler interface {
	OnEvent(ctx context.Context, env event.Envelope) error
	ReportHeartbeat(ctx context.Context) error
}

// Bus is the subset of the bus client the runner drives. Topic subscriptions
// are at-most-once broadcasts; work-queue consumption is at-least-once.
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	EnsureWorkQueue(ctx context.Context, streamName, subject string) error
	ConsumeWork(ctx context.Context, streamName, durable string, handler func([]byte) error) error
	IsConnected() bool
	OnHealthChange(fn func(bool))
}

// SubscriberRegistrar announces the agent as a consumer of its destination
type SubscriberRegistrar interface {
	RegisterSubscriber(ctx context.Context, sub registry.Subscriber) error
}

// QueueSource names one per-stage work queue to consume
type QueueSource struct {
	Stream  string
	Subject string
	Durable string
}

func (q QueueSource) enabled() bool { return q.Stream != "" }

// RunnerConfig configures one agent process. Topic and Queue are each
// optional but at least one must be set; the Data role listens to the
// broadcast topic only, the Processing role to both the topic (lifecycle)
// and its work queue (data_ready items).
type RunnerConfig struct {
	Name        string
	AgentType   string
	Description string

	Topic string
	Queue QueueSource

	Malformed  MalformedPolicy
	RunFailure RunFailurePolicy

	HeartbeatInterval time.Duration
}

func (c RunnerConfig) validate() error {
	if c.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: agent name required", errors.ErrInvalidConfig),
			"Runner", "validate", "check name")
	}
	if c.Topic == "" && !c.Queue.enabled() {
		return errors.WrapInvalid(fmt.Errorf("%w: topic or queue source required", errors.ErrInvalidConfig),
			"Runner", "validate", "check sources")
	}
	if c.Queue.enabled() && (c.Queue.Subject == "" || c.Queue.Durable == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: queue source requires subject and durable", errors.ErrInvalidConfig),
			"Runner", "validate", "check queue source")
	}
	return nil
}

// Runner drives one Handler from a bus subscription. Messages are handled
// strictly one at a time; a hung registry call therefore stalls the whole
// agent, which is the accepted trade-off of this design.
type Runner struct {
	cfg       RunnerConfig
	bus       Bus
	registrar SubscriberRegistrar
	handler   Handler
	tracker   *Tracker
	logger    *slog.Logger

	mu       sync.Mutex
	fatalErr error
	cancel   context.CancelFunc
}

// NewRunner builds a runner. registrar may be nil when subscriber
// registration is not wanted.
func NewRunner(cfg RunnerConfig, bus Bus, registrar SubscriberRegistrar, handler Handler, tracker *Tracker, logger *slog.Logger) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: handler required", errors.ErrInvalidConfig),
			"Runner", "NewRunner", "check handler")
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		bus:       bus,
		registrar: registrar,
		handler:   handler,
		tracker:   tracker,
		logger:    logger.With("component", "agent", "agent", cfg.Name),
	}, nil
}

// Tracker exposes the shared session tracker for the composed handler
func (r *Runner) Tracker() *Tracker { return r.tracker }

// Health exposes the shared health monitor; bus connectivity and handler
// outcomes land there and feed heartbeat status.
func (r *Runner) Health() *health.Monitor { return r.tracker.Health() }

// Run subscribes and processes messages until ctx is cancelled or a fatal
// handler error occurs. Subscriber registration failure is logged, not fatal.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.registerSubscriber(ctx)

	r.bus.OnHealthChange(func(healthy bool) {
		if healthy {
			r.tracker.Health().UpdateHealthy("bus", "connected")
		} else {
			r.tracker.Health().UpdateUnhealthy("bus", "disconnected")
		}
		// connectivity changes are reported immediately, not on the
		// next timer tick
		r.reportHeartbeat(ctx)
	})

	if r.cfg.Topic != "" {
		if err := r.bus.Subscribe(ctx, r.cfg.Topic, func(mctx context.Context, data []byte) {
			// topic delivery is at-most-once; no nak path exists
			_ = r.dispatch(mctx, data)
		}); err != nil {
			return errors.Wrap(err, "Runner", "Run", "subscribe topic")
		}
	}
	if r.cfg.Queue.enabled() {
		if err := r.bus.EnsureWorkQueue(ctx, r.cfg.Queue.Stream, r.cfg.Queue.Subject); err != nil {
			return errors.Wrap(err, "Runner", "Run", "ensure work queue")
		}
		if err := r.bus.ConsumeWork(ctx, r.cfg.Queue.Stream, r.cfg.Queue.Durable, func(data []byte) error {
			return r.dispatch(ctx, data)
		}); err != nil {
			return errors.Wrap(err, "Runner", "Run", "consume work queue")
		}
	}

	r.logger.Info("Agent started", "topic", r.cfg.Topic, "queue", r.cfg.Queue.Subject,
		"malformed_policy", r.cfg.Malformed, "run_failure_policy", r.cfg.RunFailure)
	r.reportHeartbeat(ctx)

	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			err := r.fatalErr
			r.mu.Unlock()
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			r.reportHeartbeat(ctx)
		}
	}
}

// dispatch decodes one inbound message and hands it to the role handler.
// The error return feeds queue acknowledgement: nil acks, non-nil naks for
// redelivery. Invalid errors never nak; redelivering bad data cannot fix it.
func (r *Runner) dispatch(ctx context.Context, data []byte) error {
	env, err := event.Decode(data)
	if err != nil {
		r.tracker.RecordMalformed()
		if r.cfg.Malformed == MalformedFailFast {
			r.fail(errors.WrapFatal(err, "Runner", "dispatch", "decode message"))
			return nil
		}
		r.logger.Warn("Dropping malformed message", "error", err)
		return nil
	}

	if env.Type == event.TypeUnknown {
		r.logger.Info("Ignoring unknown message type", "msg_type", env.RawTag, "run_id", env.RunID)
		return nil
	}

	if err := r.handler.OnEvent(ctx, env); err != nil {
		switch {
		case errors.IsFatal(err):
			r.logger.Error("Fatal handler error, terminating",
				"msg_type", env.Type.String(), "run_id", env.RunID, "error", err)
			r.fail(err)
			return nil
		case errors.IsTransient(err):
			r.logger.Warn("Transient handler failure",
				"msg_type", env.Type.String(), "run_id", env.RunID, "error", err)
			return err
		default:
			r.logger.Warn("Handler rejected message",
				"msg_type", env.Type.String(), "run_id", env.RunID, "error", err)
			return nil
		}
	}

	r.reportHeartbeat(ctx)
	return nil
}

// fail records the first fatal error and stops the runner
func (r *Runner) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) reportHeartbeat(ctx context.Context) {
	if err := r.handler.ReportHeartbeat(ctx); err != nil {
		r.logger.Warn("Failed to report heartbeat", "error", err)
	}
}

func (r *Runner) registerSubscriber(ctx context.Context) {
	if r.registrar == nil {
		return
	}
	err := r.registrar.RegisterSubscriber(ctx, registry.Subscriber{
		SubscriberName: r.cfg.Name,
		Description:    r.cfg.Description,
		IsActive:       true,
		Fraction:       1.0,
	})
	if err != nil {
		r.logger.Warn("Subscriber registration failed", "error", err)
		return
	}
	r.logger.Info("Registered as subscriber", "subscriber", r.cfg.Name)
}
