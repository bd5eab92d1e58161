package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"NetDispatch/internal/agent/executor"
	"NetDispatch/internal/agent/inventory"
	"NetDispatch/internal/shared/constants"
	shared "NetDispatch/internal/shared/models"
	"NetDispatch/internal/shared/protocol"
)

type Config struct {
	CoordinatorURL string
	AgentID        string
	Hostname       string
	Version        string
	// Addresses overrides the scanned inventory when non-empty. Used by
	// operators pinning specific source IPs and by tests.
	Addresses         []string
	MaxInFlight       int
	HeartbeatInterval time.Duration
}

// Session is the agent's WebSocket client: it registers, heartbeats, receives
// dispatch commands, executes them through the bound executor, and reconnects
// with jittered exponential backoff for as long as its context lives.
type Session struct {
	cfg    Config
	exec   *executor.Executor
	logger *slog.Logger

	sem      chan struct{}
	inFlight atomic.Int64
	draining atomic.Bool

	configMu      sync.Mutex
	requestConfig *shared.RequestConfig
}

func New(cfg Config, exec *executor.Executor, logger *slog.Logger) (*Session, error) {
	if cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("coordinator url is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = constants.MaxInFlightPerAgent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = constants.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:    cfg,
		exec:   exec,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// Run connects and serves until ctx is cancelled. Transport failures trigger
// reconnection indefinitely.
func (s *Session) Run(ctx context.Context) error {
	wsURL, err := websocketURL(s.cfg.CoordinatorURL)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		if attempt > 0 {
			delay := backoff(attempt)
			s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		registered, err := s.connectOnce(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("connection lost", "error", err)
		if registered {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// connectOnce runs one connection lifecycle. The returned bool reports
// whether registration completed, which resets the backoff.
func (s *Session) connectOnce(ctx context.Context, wsURL string) (bool, error) {
	addresses, err := s.addresses()
	if err != nil {
		return false, err
	}
	if len(addresses) == 0 {
		return false, fmt.Errorf("no usable source addresses found")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}

	w := newWriter(conn)
	defer w.close()

	// A cancelled context must unblock the read loop: close the transport.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		w.close()
	}()

	if err := w.send(protocol.NewRegister(s.cfg.AgentID, s.cfg.Hostname, s.cfg.Version, addresses)); err != nil {
		return false, fmt.Errorf("register send failed: %w", err)
	}

	if err := s.awaitRegistered(conn); err != nil {
		return false, err
	}

	s.draining.Store(false)
	s.logger.Info("registered with coordinator", "agent_id", s.cfg.AgentID, "addresses", len(addresses))

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go s.heartbeatLoop(hbCtx, w)

	return true, s.readLoop(ctx, conn, w)
}

func (s *Session) awaitRegistered(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("no registered reply: %w", err)
	}

	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	if typ != protocol.TypeRegistered {
		return fmt.Errorf("expected registered, got %q", typ)
	}

	var reg protocol.Registered
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("malformed registered frame: %w", err)
	}
	if reg.AssignedAgentID != "" && reg.AssignedAgentID != s.cfg.AgentID {
		s.logger.Warn("coordinator rewrote agent id",
			"requested", s.cfg.AgentID,
			"assigned", reg.AssignedAgentID,
		)
		s.cfg.AgentID = reg.AssignedAgentID
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, w *writer) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			addresses, err := s.addresses()
			if err != nil {
				s.logger.Warn("address scan failed", "error", err)
				continue
			}
			if err := w.send(protocol.NewHeartbeat(addresses, time.Now().Unix())); err != nil {
				s.logger.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, w *writer) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		typ, err := protocol.PeekType(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch typ {
		case protocol.TypeDispatch:
			var d protocol.Dispatch
			if err := json.Unmarshal(data, &d); err != nil {
				s.logger.Warn("malformed dispatch frame", "error", err)
				continue
			}
			if s.draining.Load() {
				w.send(protocol.NewError(d.JobID, shared.KindAgentsSaturated, "agent is draining"))
				continue
			}
			go s.runJob(ctx, w, &d)

		case protocol.TypeConfigure:
			var cf protocol.Configure
			if err := json.Unmarshal(data, &cf); err != nil {
				s.logger.Warn("malformed configure frame", "error", err)
				continue
			}
			s.configMu.Lock()
			s.requestConfig = cf.Config.Clone()
			s.configMu.Unlock()
			s.logger.Info("request config updated by coordinator")

		case protocol.TypeAckHeartbeat:
			// Liveness is coordinator-side bookkeeping; nothing to do here.

		case protocol.TypeDrain:
			s.logger.Info("drain requested")
			s.draining.Store(true)
			go s.awaitDrained(ctx, w)

		default:
			s.logger.Debug("ignoring unknown frame type", "frame_type", typ)
		}
	}
}

// runJob executes one dispatch command in a worker slot and reports the
// outcome. The slot bound is MaxInFlight; excess dispatches queue here until
// a slot frees up or ctx ends. The wait has no per-job deadline: a job the
// coordinator has already timed out still runs once a slot frees up.
func (s *Session) runJob(ctx context.Context, w *writer, d *protocol.Dispatch) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	// A dispatch without a URL runs the stored template, like the original
	// single-template protocol did.
	if d.URL == "" {
		s.configMu.Lock()
		cfg := s.requestConfig.Clone()
		s.configMu.Unlock()

		if cfg == nil {
			w.send(protocol.NewError(d.JobID, shared.KindInvalidRequest, "no request config available"))
			return
		}
		d.URL = cfg.URL
		d.Method = cfg.Method
		if d.Headers == nil {
			d.Headers = cfg.Headers
		}
		if d.Body == nil {
			d.Body = cfg.Body
		}
		if d.TimeoutSec == 0 {
			d.TimeoutSec = cfg.TimeoutSec
		}
	}

	timeout := time.Duration(d.TimeoutSec * float64(time.Second))

	res, derr := s.exec.Execute(ctx, executor.Request{
		SourceIP: d.SourceIP,
		Method:   d.Method,
		URL:      d.URL,
		Headers:  d.Headers,
		Body:     d.Body,
		Timeout:  timeout,
	})

	if derr != nil {
		s.logger.Warn("job failed",
			"job_id", d.JobID,
			"kind", derr.Kind,
			"error", derr.Message,
		)
		w.send(protocol.NewError(d.JobID, derr.Kind, derr.Message))
		return
	}

	bodyB64 := base64.StdEncoding.EncodeToString(res.Body)
	w.send(protocol.NewResult(d.JobID, res.Status, res.Headers, bodyB64, res.Elapsed.Seconds()))
}

func (s *Session) awaitDrained(ctx context.Context, w *writer) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.inFlight.Load() == 0 {
				w.send(&protocol.Drained{Type: protocol.TypeDrained})
				return
			}
		}
	}
}

func (s *Session) addresses() ([]string, error) {
	if len(s.cfg.Addresses) > 0 {
		return s.cfg.Addresses, nil
	}
	return inventory.Scan()
}

// writer serializes all frames onto the connection from a single goroutine.
type writer struct {
	ch        chan any
	done      chan struct{}
	closeOnce sync.Once
	conn      *websocket.Conn
}

func newWriter(conn *websocket.Conn) *writer {
	w := &writer{
		ch:   make(chan any, 64),
		done: make(chan struct{}),
		conn: conn,
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	for {
		select {
		case frame := <-w.ch:
			w.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := w.conn.WriteJSON(frame); err != nil {
				w.close()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *writer) send(frame any) error {
	select {
	case w.ch <- frame:
		return nil
	case <-w.done:
		return fmt.Errorf("connection closed")
	}
}

func (w *writer) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

// backoff computes the reconnect delay: base 1s, factor 2, cap 60s, with
// ±20% jitter so a fleet of agents does not reconnect in lockstep.
func backoff(attempt int) time.Duration {
	d := constants.ReconnectBaseDelay
	for i := 1; i < attempt && d < constants.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > constants.ReconnectMaxDelay {
		d = constants.ReconnectMaxDelay
	}

	jitter := 1 + constants.ReconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func websocketURL(coordinatorURL string) (string, error) {
	u, err := url.Parse(coordinatorURL)
	if err != nil {
		return "", fmt.Errorf("invalid coordinator url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported coordinator url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}
