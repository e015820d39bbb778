// Package relay bridges the DAQ broadcast topic to remote websocket clients.
// Monitoring dashboards and remote viewers connect to the relay instead of the
// bus, so bus credentials never leave the facility network.
//
// Delivery to websocket clients is at-most-once: a slow client is dropped, it
// never backpressures the bus subscription.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/metric"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Bus is the inbound side of the relay
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	IsConnected() bool
}

// Config for the relay server
type Config struct {
	ListenAddr string
	Topic      string
	Path       string
}

// Frame is the message sent to websocket clients: the decoded event fields a
// viewer needs, plus the relay's receive timestamp
type Frame struct {
	MsgType    string  `json:"msg_type"`
	RunID      string  `json:"run_id"`
	Tick       float64 `json:"simulation_tick"`
	State      string  `json:"state,omitempty"`
	Substate   string  `json:"substate,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	ReceivedAt int64   `json:"received_at"` // unix milliseconds
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// Relay is the websocket bridge server
type Relay struct {
	cfg      Config
	bus      Bus
	logger   *slog.Logger
	m        *metrics
	upgrader websocket.Upgrader

	server *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	running bool
}

// New creates a relay. Path defaults to /ws.
func New(cfg Config, bus Bus, logger *slog.Logger, metrics *metric.Registry) (*Relay, error) {
	if cfg.ListenAddr == "" || cfg.Topic == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: listen address and topic required", errors.ErrInvalidConfig),
			"Relay", "New", "validate config")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "relay"),
		m:      newMetrics(metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// viewers connect from arbitrary dashboard origins
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Start subscribes to the topic and serves websocket connections until ctx
// is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	r.running = true
	r.mu.Unlock()

	if err := r.bus.Subscribe(ctx, r.cfg.Topic, r.onBusMessage); err != nil {
		return errors.Wrap(err, "Relay", "Start", "subscribe topic")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Path, r.handleWS)
	mux.HandleFunc("/healthz", r.handleHealth)
	r.server = &http.Server{
		Addr:              r.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("Relay listening", "addr", r.cfg.ListenAddr,
			"path", r.cfg.Path, "topic", r.cfg.Topic)
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return r.shutdown()
	case err := <-errCh:
		return errors.Wrap(err, "Relay", "Start", "serve")
	}
}

func (r *Relay) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	for c := range r.clients {
		c.close()
	}
	r.clients = make(map[*client]struct{})
	r.running = false
	r.mu.Unlock()

	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "Relay", "shutdown", "stop http server")
	}
	r.logger.Info("Relay stopped")
	return nil
}

// ClientCount returns the number of connected viewers
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// onBusMessage decodes one topic message and fans it out. Malformed and
// unknown messages are dropped; the relay never forwards what it cannot
// decode.
func (r *Relay) onBusMessage(_ context.Context, data []byte) {
	env, err := event.Decode(data)
	if err != nil {
		r.logger.Warn("Dropping undecodable message", "error", err)
		return
	}
	if env.Type == event.TypeUnknown {
		return
	}

	frame := Frame{
		MsgType:    env.Type.String(),
		RunID:      env.RunID,
		Tick:       env.Tick,
		State:      env.State,
		Substate:   env.Substate,
		ReceivedAt: time.Now().UnixMilli(),
	}
	switch {
	case env.StfGen != nil:
		frame.Filename = env.StfGen.Filename
	case env.DataReady != nil:
		frame.Filename = env.DataReady.Filename
	case env.ProcessingComplete != nil:
		frame.Filename = env.ProcessingComplete.Filename
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	r.broadcast(payload)
	r.m.recordRelayed(frame.MsgType)
}

func (r *Relay) broadcast(payload []byte) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			r.logger.Info("Dropping slow or dead client", "error", err)
			r.removeClient(c)
		}
	}
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	count := len(r.clients)
	r.mu.Unlock()
	r.m.recordConnect(count)
	r.logger.Info("Client connected", "remote", req.RemoteAddr, "clients", count)

	go r.readLoop(c)
	go r.pingLoop(c)
}

// readLoop drains inbound frames so pong handling works; the relay is
// one-directional and discards anything a client sends.
func (r *Relay) readLoop(c *client) {
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			r.removeClient(c)
			return
		}
	}
}

func (r *Relay) pingLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.write(websocket.PingMessage, nil); err != nil {
			r.removeClient(c)
			return
		}
	}
}

func (r *Relay) removeClient(c *client) {
	r.mu.Lock()
	_, present := r.clients[c]
	delete(r.clients, c)
	count := len(r.clients)
	r.mu.Unlock()
	if present {
		c.close()
		r.m.recordDisconnect(count)
		r.logger.Info("Client disconnected", "clients", count)
	}
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"bus_connected": r.bus.IsConnected(),
		"clients":       r.ClientCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !r.bus.IsConnected() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (c *client) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}
