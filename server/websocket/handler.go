// Package websocket runs the per-connection protocol state machine:
// handshaking until a valid hello arrives, then active until the transport
// closes or the session is kicked.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"filedrop/access"
	"filedrop/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize  = 10000
	defaultWebsocketWriteBufferSize = 10000
	defaultWebSocketMaxMessageSize  = 64 * 1024

	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultHelloWait bounds how long a connection may sit in the
	// handshaking state before the first frame arrives.
	defaultHelloWait = 10 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

type (
	Hub interface {
		Handshake(hello model.Hello, adminOrigin bool, wire model.Wire) (model.Welcome, error)
		Leave(sessionID string)
		Note(sessionID string, note model.Note)
		SetMode(sessionID string, canReceive bool)
		Kick(senderID, targetID, code string) error
		SendError(sessionID, detail string)
	}

	Config struct {
		Logger *zerolog.Logger
		Hub    Hub
	}

	// Handler upgrades requests on the hub's websocket endpoint and drives
	// one session per connection.
	Handler struct {
		hub    Hub
		ws     *websocket.Upgrader
		logger zerolog.Logger
	}
)

func NewHandler(cfg Config) *Handler {
	return &Handler{
		logger: cfg.Logger.With().Str("component", "websocket").Logger(),
		hub:    cfg.Hub,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.ws.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	// Admin trust is fixed at connection-acceptance time from the origin.
	adminOrigin := access.IsAdminOrigin(r.RemoteAddr, access.LanIP())

	go h.handleConn(conn, adminOrigin)
}

// handleConn reads the hello frame, registers the session and runs the
// read/write loops until either side goes away.
func (h *Handler) handleConn(conn *websocket.Conn, adminOrigin bool) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)

	hello, ok := h.awaitHello(conn)
	if !ok {
		webSocketCloser(conn, &h.logger)
		return
	}

	wire := model.NewWire()
	welcome, err := h.hub.Handshake(hello, adminOrigin, wire)
	if err != nil {
		h.logger.Warn().Err(err).Msg("handshake rejected")
		h.writeFrame(conn, &model.ErrorFrame{Kind: model.KindError, Detail: err.Error()})
		webSocketCloser(conn, &h.logger)
		return
	}

	logger := h.logger.With().Str("sessionID", welcome.SessionID).Logger()
	logger.Debug().
		Str("deviceID", welcome.DeviceID).
		Str("name", welcome.Name).
		Bool("admin", welcome.Admin).
		Msg("session active")

	// The welcome goes out before the write loop starts, so it always
	// precedes the roster broadcast queued up by registration.
	if !h.writeFrame(conn, &welcome) {
		h.hub.Leave(welcome.SessionID)
		webSocketCloser(conn, &logger)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		webSocketSender(ctx, conn, wire.TX, &logger)
		cancel()
		// Unblocks the receiver when the session was torn down hub-side.
		webSocketCloser(conn, &logger)
	}()
	go func() {
		defer wg.Done()
		h.receive(ctx, conn, welcome.SessionID, &logger)
		cancel()
	}()

	wg.Wait()
	h.hub.Leave(welcome.SessionID)
	logger.Debug().Msg("session closed")
}

// awaitHello reads the first inbound frame. Anything but a well-formed hello
// rejects the connection without creating a session.
func (h *Handler) awaitHello(conn *websocket.Conn) (model.Hello, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(defaultHelloWait)); err != nil {
		h.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return model.Hello{}, false
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn().Err(err).Msg("connection closed before hello")
		return model.Hello{}, false
	}
	var hello model.Hello
	if err = json.Unmarshal(msg, &hello); err != nil || hello.Kind != model.KindHello {
		h.logger.Warn().Msg("first frame is not a hello")
		h.writeFrame(conn, &model.ErrorFrame{Kind: model.KindError, Detail: "expected hello"})
		return model.Hello{}, false
	}
	return hello, true
}

// receive consumes inbound frames while the session is active. Malformed
// frames and unknown kinds are protocol errors and close the connection.
func (h *Handler) receive(ctx context.Context, conn *websocket.Conn, sessionID string, logger *zerolog.Logger) {
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if !h.dispatch(sessionID, msg, logger) {
				break RecvLoop
			}
		}
	}
}

func (h *Handler) dispatch(sessionID string, msg []byte, logger *zerolog.Logger) bool {
	var env model.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		logger.Warn().Err(err).Msg("malformed frame")
		return false
	}
	switch env.Kind {
	case model.KindNote:
		var note model.Note
		if err := json.Unmarshal(msg, &note); err != nil {
			logger.Warn().Err(err).Msg("malformed note")
			return false
		}
		h.hub.Note(sessionID, note)
	case model.KindMode:
		var mode model.Mode
		if err := json.Unmarshal(msg, &mode); err != nil {
			logger.Warn().Err(err).Msg("malformed mode")
			return false
		}
		h.hub.SetMode(sessionID, mode.CanReceive)
	case model.KindKick:
		var kick model.Kick
		if err := json.Unmarshal(msg, &kick); err != nil {
			logger.Warn().Err(err).Msg("malformed kick")
			return false
		}
		if err := h.hub.Kick(sessionID, kick.Target, kick.Code); err != nil {
			logger.Warn().Err(err).Str("target", kick.Target).Msg("kick rejected")
			h.hub.SendError(sessionID, err.Error())
		}
	default:
		logger.Warn().Str("kind", env.Kind).Msg("unknown frame kind")
		return false
	}
	return true
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame any) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		h.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write frame")
		return false
	}
	return true
}

// webSocketSender drains the session's outbound wire and keeps the
// connection alive with pings. Exits when the wire is closed (session
// unregistered or kicked) or the context is canceled.
func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan any,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Warn().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}

		case frame, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.TextMessage, b)
			if wsErr != nil {
				logger.Warn().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr == nil {
		if wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{}); wsErr != nil &&
			!errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to write close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
