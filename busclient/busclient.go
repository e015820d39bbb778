// Package busclient manages the NATS connection used as the testbed message
// bus. Lifecycle and stf_gen events broadcast on a core-NATS topic subject;
// derived events addressed to exactly one next-stage role travel through
// JetStream work-queue streams, which gives the at-least-once delivery the
// consumer agents are written against.
//
// The client carries a small circuit breaker so reconnect storms back off
// instead of hammering an unreachable broker.
package busclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eumaka/swf-testbed/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to message bus")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages the bus connection with circuit breaker and health callbacks
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Value // stores time.Duration
	maxBackoff       time.Duration
	lastFailure      atomic.Value // stores time.Time

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication - cleared on close
	username string
	password string
	token    string

	clientName string

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new bus client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		consumers:        make(map[string]jetstream.ConsumeContext),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the bus server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsConnected reports whether the underlying connection is live. Agents fold
// this into their heartbeat payload as mq_connected.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total failure count since the last circuit reset
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff duration
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure records a connection failure and manages the circuit breaker
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	if circuitFailures < c.circuitThreshold {
		return
	}

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			currentBackoff := c.backoff.Load().(time.Duration)
			newBackoff := currentBackoff * 2
			if newBackoff > c.maxBackoff {
				newBackoff = c.maxBackoff
			}
			c.backoff.Store(newBackoff)
			c.circuitFailures.Store(0)

			c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuitFailures, currentBackoff)

			time.AfterFunc(currentBackoff, c.testCircuit)
		}
	} else {
		currentBackoff := c.backoff.Load().(time.Duration)
		newBackoff := currentBackoff * 2
		if newBackoff > c.maxBackoff {
			newBackoff = c.maxBackoff
		}
		c.backoff.Store(newBackoff)
		c.circuitFailures.Store(0)
	}
}

// resetCircuit resets the circuit breaker state
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// testCircuit moves an open circuit back to disconnected so the next Connect
// attempt is allowed through
func (c *Client) testCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection to the bus
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to bus at %s", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to bus at %s", c.url)

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}

	return nil
}

// Close drains and closes the bus connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.consumersMu.Lock()
	for name, consumer := range c.consumers {
		consumer.Stop()
		c.logger.Debugf("Stopped consumer: %s", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}

		c.conn.Close()
		c.conn = nil
		c.js = nil
	}

	// Clear credentials from memory
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	return nil
}

// Publish sends data to a core-NATS subject. This is the broadcast path used
// by the DAQ simulator: no persistence, no redelivery. The producer's
// at-most-once policy lives here on purpose.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// Subscribe attaches handler to a core-NATS subject. NATS invokes the
// callback serially per subscription, which is what keeps agent message
// handling single-threaded without locks around the session maps.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe subject")
	}

	c.subs = append(c.subs, sub)
	return nil
}

// EnsureWorkQueue creates (or finds) the JetStream work-queue stream backing
// one next-stage queue destination. Each message is removed once the single
// consuming role acknowledges it.
func (c *Client) EnsureWorkQueue(ctx context.Context, streamName, subject string) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return nil
		}
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "EnsureWorkQueue", "create stream")
	}
	return nil
}

// PublishWork publishes to a work-queue subject with a JetStream ack, giving
// at-least-once delivery to the next stage.
func (c *Client) PublishWork(ctx context.Context, subject string, data []byte) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishWork", "publish to stream")
	}
	c.resetCircuit()
	return nil
}

// ConsumeWork attaches a durable consumer to a work-queue stream. The handler
// is invoked one message at a time; returning nil acknowledges the message,
// returning an error leaves it for redelivery. At-least-once delivery means
// the handler must be idempotent.
func (c *Client) ConsumeWork(ctx context.Context, streamName, durable string, handler func([]byte) error) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeWork", "check client state")
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1, // serialize dispatch: one message handled to completion at a time
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeWork", "create consumer")
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(msg.Data()); err != nil {
			c.logger.Errorf("Handler failed, leaving message for redelivery: %v", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeWork", "start consume")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.closed.Load() {
		consumeCtx.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeWork", "client closing")
	}
	key := fmt.Sprintf("%s:%s", streamName, durable)
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debugf("Replaced existing consumer for %s", key)
	}
	c.consumers[key] = consumeCtx

	c.resetCircuit()
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil || c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// OnHealthChange registers a callback invoked with the new connectivity state
// whenever the connection goes up or down
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Errorf("Disconnected from bus: %v", err)
	} else {
		c.logger.Printf("Disconnected from bus")
	}
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	if c.onHealthChange != nil {
		c.onHealthChange(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Reconnected to bus at %s", c.url)
	if c.onReconnect != nil {
		c.onReconnect()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if !c.closed.Load() {
		c.setStatus(StatusDisconnected)
		c.logger.Printf("Bus connection closed")
		if c.onHealthChange != nil {
			c.onHealthChange(false)
		}
	}
}
