package providers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"github.com/tripsage/realtime/src/types"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn. I/O
// failures are wrapped as transport errors so callers can classify
// them without knowing the websocket library.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	if err := w.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

func (w *wsConn) ReadJSON(v any) error {
	if err := w.conn.ReadJSON(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

func (w *wsConn) Close() error { return w.conn.Close() }

// inboundFrame is the superset of everything a client may send after
// the handshake: a subscribe request, a heartbeat ping, or an event.
type inboundFrame struct {
	Type                types.EventType `json:"type"`
	Channels            []string        `json:"channels,omitempty"`
	UnsubscribeChannels []string        `json:"unsubscribe_channels,omitempty"`
	Payload             map[string]any  `json:"payload,omitempty"`
}

type frameKind int

const (
	frameSubscribe frameKind = iota
	frameHeartbeat
	frameEvent
	frameAmbiguous
	frameUnknownType
	frameNoPayload
)

// classifyFrame decides how an inbound frame is handled. A frame that
// mixes subscription fields with an event type is ambiguous and gets
// rejected outright rather than half-applied.
func classifyFrame(frame inboundFrame) frameKind {
	hasSub := len(frame.Channels) > 0 || len(frame.UnsubscribeChannels) > 0
	switch {
	case hasSub && frame.Type != "":
		return frameAmbiguous
	case hasSub:
		return frameSubscribe
	case frame.Type == types.EventConnectionHeartbeat:
		return frameHeartbeat
	case !frame.Type.Valid():
		return frameUnknownType
	case frame.Payload == nil:
		return frameNoPayload
	default:
		return frameEvent
	}
}

// WSHandler returns the raw fasthttp handler for WebSocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (p *Provider) WSHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !requireUpgrade(ctx) {
			return
		}
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			p.serve(conn)
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// serve runs one connection from handshake to close.
func (p *Provider) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// The first frame must be the auth request, within a bounded window.
	authTimeout := time.Duration(p.cfg.AuthTimeoutSeconds) * time.Second
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return
	}
	var req types.AuthRequest
	if err := conn.ReadJSON(&req); err != nil {
		p.logger.Debug().Err(err).Msg("no auth frame received")
		_ = conn.WriteJSON(types.AuthResponse{Success: false, Error: "auth request expected"})
		return
	}

	resp := p.svc.Register(&wsConn{conn}, req)
	if !resp.Success {
		return
	}
	defer p.svc.Manager().Disconnect(resp.ConnectionID)

	p.readLoop(conn, resp.ConnectionID, resp.UserID, resp.SessionID)
}

// readLoop parses inbound frames until the socket closes. A malformed
// frame earns the sender an error event but keeps the connection open;
// only transport failures end the loop.
func (p *Provider) readLoop(conn *websocket.Conn, connectionID, userID, sessionID string) {
	staleTimeout := time.Duration(p.cfg.StaleTimeoutSeconds) * time.Second
	for {
		if err := conn.SetReadDeadline(time.Now().Add(staleTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("read ended")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.sendError(connectionID, "unparseable frame")
			continue
		}

		switch classifyFrame(frame) {
		case frameSubscribe:
			subResp := p.svc.Manager().Subscribe(connectionID, types.SubscribeRequest{
				Channels:            frame.Channels,
				UnsubscribeChannels: frame.UnsubscribeChannels,
			})
			if c := p.svc.Manager().Connection(connectionID); c != nil {
				c.WriteRaw(subResp)
			}

		case frameHeartbeat:
			p.svc.Manager().Heartbeat(connectionID)

		case frameAmbiguous:
			p.sendError(connectionID, "frame mixes subscription and event fields")

		case frameUnknownType:
			p.sendError(connectionID, "unknown event type")

		case frameNoPayload:
			p.sendError(connectionID, "payload must be a mapping")

		case frameEvent:
			event, err := types.NewEvent(frame.Type, frame.Payload)
			if err != nil {
				p.sendError(connectionID, err.Error())
				continue
			}
			p.svc.Manager().Heartbeat(connectionID)
			p.svc.Dispatch(connectionID, event.WithRouting(userID, sessionID))
		}
	}
}

// sendError echoes an error event to the offending connection.
func (p *Provider) sendError(connectionID, reason string) {
	event, err := types.NewEvent(types.EventError, map[string]any{"message": reason})
	if err != nil {
		return
	}
	p.svc.Manager().SendToConnection(connectionID, event)
}
