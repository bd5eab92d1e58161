package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"NetDispatch/internal/shared/constants"
	"NetDispatch/internal/shared/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	registerDeadline = 10 * time.Second
	sendBuffer       = 256
)

// wsSession is the coordinator's handle on one agent connection. All data
// frames go through a single writer goroutine fed by sendCh, so dispatch
// frames, heartbeat acks and broadcasts never interleave on the wire. The
// close frame is sent with WriteControl, which is safe alongside the writer.
type wsSession struct {
	conn   *websocket.Conn
	sendCh chan any

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSession(conn *websocket.Conn) *wsSession {
	s := &wsSession{
		conn:   conn,
		sendCh: make(chan any, sendBuffer),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.Close("write failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsSession) Send(frame any) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("session send buffer full")
	}
}

func (s *wsSession) Close(reason string) {
	s.closeWithCode(websocket.CloseNormalClosure, reason)
}

func (s *wsSession) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// AgentWebSocket is the /ws/agent endpoint. The first frame must be a
// register; after that the read loop feeds heartbeats to the registry and
// results/errors to the dispatcher in receipt order.
func (h *Handlers) AgentWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session := newWSSession(conn)

	reg, err := h.readRegister(conn)
	if err != nil {
		h.logger.Warn("agent registration failed", "error", err, "remote", conn.RemoteAddr().String())
		session.Close(err.Error())
		return
	}

	if err := h.registry.Register(reg.AgentID, reg.Hostname, reg.AgentVersion, reg.Addresses, session); err != nil {
		h.logger.Warn("agent rejected", "agent_id", reg.AgentID, "error", err)
		session.closeWithCode(websocket.ClosePolicyViolation, err.Error())
		return
	}

	if err := session.Send(protocol.NewRegistered(reg.AgentID, time.Now().Unix())); err != nil {
		session.Close("handshake write failed")
		h.registry.Disconnect(reg.AgentID, session)
		return
	}

	// Push the stored template so a late-joining agent holds the same default.
	if cfg := h.loadConfig(); cfg != nil {
		session.Send(protocol.NewConfigure(cfg))
	}

	h.readLoop(reg.AgentID, session, conn)
}

func (h *Handlers) readRegister(conn *websocket.Conn) (*protocol.Register, error) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("no register frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	typ, err := protocol.PeekType(data)
	if err != nil {
		return nil, err
	}
	if typ != protocol.TypeRegister {
		return nil, fmt.Errorf("first frame must be register, got %q", typ)
	}

	var reg protocol.Register
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("malformed register frame: %w", err)
	}
	return &reg, nil
}

func (h *Handlers) readLoop(agentID string, session *wsSession, conn *websocket.Conn) {
	defer h.registry.Disconnect(agentID, session)
	defer session.Close("read loop ended")

	log := h.logger.With("agent_id", agentID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", "error", err)
			return
		}

		typ, err := protocol.PeekType(data)
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch typ {
		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			if err := json.Unmarshal(data, &hb); err != nil {
				log.Warn("malformed heartbeat", "error", err)
				continue
			}
			if err := h.registry.Heartbeat(agentID, hb.Addresses); err != nil {
				log.Warn("heartbeat rejected", "error", err)
				return
			}
			session.Send(protocol.NewAckHeartbeat(time.Now().Unix()))

		case protocol.TypeResult:
			var res protocol.Result
			if err := json.Unmarshal(data, &res); err != nil {
				log.Warn("malformed result frame", "error", err)
				continue
			}
			h.dispatcher.HandleResult(agentID, &res)

		case protocol.TypeError:
			var ef protocol.Error
			if err := json.Unmarshal(data, &ef); err != nil {
				log.Warn("malformed error frame", "error", err)
				continue
			}
			h.dispatcher.HandleError(agentID, &ef)

		case protocol.TypeDrained:
			log.Info("agent drained")
			return

		default:
			// Forward compatibility: unknown frame types are ignored.
			log.Debug("ignoring unknown frame type", "frame_type", typ)
		}
	}
}
