package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/core"
	"github.com/itskum47/BidForge/exchange/market"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsRegisterTimeout = 5 * time.Second
	wsMaxMessageBytes = 1 << 20
)

// agentSocket serializes writes to one agent connection. Reads stay on
// the gateway's per-agent loop; only the exchange writes here.
type agentSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *agentSocket) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// Gateway terminates agent WebSocket connections and carries the wire
// protocol in both directions. It is the exchange's Transport.
type Gateway struct {
	ex       *core.Exchange
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway creates an unbound gateway. Bind must run before serving.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Bind attaches the exchange. Split from construction because the
// exchange needs the gateway as its Transport.
func (g *Gateway) Bind(ex *core.Exchange) { g.ex = ex }

// SendBidRequest delivers a bid request over the agent's socket.
func (g *Gateway) SendBidRequest(agentID string, req market.BidRequest) error {
	return g.send(agentID, market.MsgBidRequest, req)
}

// SendAssignment delivers a task assignment over the agent's socket.
func (g *Gateway) SendAssignment(agentID string, msg market.TaskAssignment) error {
	return g.send(agentID, market.MsgTaskAssignment, msg)
}

func (g *Gateway) send(agentID, msgType string, payload any) error {
	sock := g.ex.Registry().Socket(agentID)
	if sock == nil {
		return fmt.Errorf("gateway: agent %s not connected", agentID)
	}
	env, err := market.NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("gateway: frame %s: %w", msgType, err)
	}
	return sock.SendJSON(env)
}

// HandleAgent upgrades an agent connection. The first frame must be a
// register message; everything after flows through the read loop.
func (g *Gateway) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(wsMaxMessageBytes)

	_ = conn.SetReadDeadline(time.Now().Add(wsRegisterTimeout))
	var env market.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != market.MsgRegister {
		g.logger.Warn("agent did not register", zap.Error(err))
		conn.Close()
		return
	}
	var reg market.RegisterMsg
	if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.AgentID == "" {
		g.logger.Warn("malformed register payload", zap.Error(err))
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sock := &agentSocket{conn: conn}
	g.ex.HandleAgentConnect(reg.AgentID, reg.Version, reg.Categories, sock)
	go g.readLoop(reg.AgentID, conn)
}

func (g *Gateway) readLoop(agentID string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		g.ex.HandleAgentDisconnect(agentID)
	}()

	for {
		var env market.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("agent connection lost",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}
		if err := g.dispatch(agentID, env); err != nil {
			g.logger.Debug("message rejected",
				zap.String("agent_id", agentID),
				zap.String("type", env.Type),
				zap.Error(err),
			)
		}
	}
}

func (g *Gateway) dispatch(agentID string, env market.Envelope) error {
	switch env.Type {
	case market.MsgBidResponse:
		var resp market.BidResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return err
		}
		resp.AgentID = agentID
		return g.ex.HandleBidResponse(resp)

	case market.MsgTaskAck:
		var ack market.TaskAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return err
		}
		return g.ex.HandleAck(ack.TaskID, ack.EstimatedMs)

	case market.MsgTaskHeartbeat:
		var hb market.TaskHeartbeatMsg
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			return err
		}
		return g.ex.HandleTaskHeartbeat(hb.TaskID, hb.Progress, hb.ExtendMs)

	case market.MsgTaskResult:
		var res market.TaskResultMsg
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return err
		}
		return g.ex.HandleResult(res.TaskID, res.Result)

	case market.MsgAgentHeartbeat:
		g.ex.HandleAgentHeartbeat(agentID)
		return nil

	case market.MsgSubscribe:
		var sub market.SubscribeMsg
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			return err
		}
		g.ex.Categories().Subscribe(agentID, sub.Categories)
		return nil

	case market.MsgUnsubscribe:
		g.ex.Categories().UnsubscribeAll(agentID)
		return nil

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}
