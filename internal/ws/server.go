// Package ws exposes the chat engine over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/refurd/rag/internal/config"
	"github.com/refurd/rag/internal/hub"
	"github.com/refurd/rag/internal/protocol"
	"github.com/refurd/rag/internal/session"
)

// Dispatcher handles decoded client actions. Satisfied by chat.Orchestrator.
type Dispatcher interface {
	HandleSend(ctx context.Context, sessionID, text, clientMessageID string, regenerate, useRAG bool) error
	HandleUpdate(ctx context.Context, sessionID, messageID, newContent string) error
}

// Server handles WebSocket upgrade, session binding, and message dispatch.
type Server struct {
	cfg        *config.Config
	hub        *hub.Hub
	store      *session.Store
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

// NewServer creates a WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, store *session.Store, d Dispatcher, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		hub:        h,
		store:      store,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// HandleWebSocket upgrades the request, binds the connection to its session's
// room, replays the display history, and pumps messages until disconnect.
// The session id comes from the session_id query parameter; a missing id gets
// a fresh one.
func (s *Server) HandleWebSocket(c echo.Context) error {
	socket, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}

	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess := s.store.GetOrCreate(sessionID)
	conn := hub.NewConnection()
	s.hub.Join(sessionID, conn)

	// Cancelled on disconnect so an in-flight completion for this tab stops.
	ctx, cancel := context.WithCancel(context.Background())

	s.hub.SendTo(conn, protocol.Connected{
		Type:      protocol.TypeConnected,
		SessionID: sessionID,
		Messages:  sess.DisplayHistory(),
	})

	go s.writePump(conn, socket)
	go s.readPump(ctx, cancel, conn, socket, sessionID)

	return nil
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *hub.Connection, socket *websocket.Conn, sessionID string) {
	defer func() {
		cancel()
		s.hub.Leave(sessionID, conn)
		conn.Close()
		socket.Close()
	}()

	socket.SetReadLimit(s.cfg.MaxMessageSize)
	socket.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	socket.SetPongHandler(func(string) error {
		socket.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket read failed")
			}
			return
		}
		s.handleMessage(ctx, sessionID, conn, data)
	}
}

func (s *Server) writePump(conn *hub.Connection, socket *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		socket.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			socket.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := socket.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			socket.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound frame. Sends run in their own
// goroutine bound to the connection context; the read loop keeps serving
// edits while a stream is active.
func (s *Server) handleMessage(ctx context.Context, sessionID string, conn *hub.Connection, data []byte) {
	var envelope protocol.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.hub.SendTo(conn, protocol.Error{Type: protocol.TypeError, Message: "invalid JSON message"})
		return
	}

	switch envelope.Type {
	case protocol.TypeSendMessage:
		var msg protocol.SendMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.SendTo(conn, protocol.Error{Type: protocol.TypeError, Message: "invalid send_message"})
			return
		}
		go func() {
			if err := s.dispatcher.HandleSend(ctx, sessionID, msg.Message, msg.MessageID, msg.Regenerate, msg.UseRAG); err != nil {
				s.log.Debug().Err(err).Str("session_id", sessionID).Msg("send failed")
			}
		}()

	case protocol.TypeUpdateMessage:
		var msg protocol.UpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.SendTo(conn, protocol.Error{Type: protocol.TypeError, Message: "invalid update_message"})
			return
		}
		go func() {
			if err := s.dispatcher.HandleUpdate(ctx, sessionID, msg.MessageID, msg.NewContent); err != nil {
				s.log.Debug().Err(err).Str("session_id", sessionID).Msg("update failed")
			}
		}()

	default:
		s.hub.SendTo(conn, protocol.Error{Type: protocol.TypeError, Message: "unknown message type: " + envelope.Type})
	}
}
