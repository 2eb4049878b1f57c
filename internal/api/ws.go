package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/messages"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSHandler carries the plugin message protocol over a WebSocket. Messages on one
// connection are handled strictly one at a time; each reply is its own text frame.
type WSHandler struct {
	messages *MessageHandler
	upgrader websocket.Upgrader
}

func NewWSHandler(m *MessageHandler, allowedOrigins []string) *WSHandler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &WSHandler{
		messages: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// GET /api/v1/plugins/{pluginID}/installations/{installationID}/ws
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	installationID := chi.URLParam(r, "installationID")
	logger := h.messages.Logger.With(zap.String("plugin_id", pluginID), zap.String("installation_id", installationID))

	// Reject before upgrading so clients get a plain HTTP status.
	if !installation.ValidID(installationID) {
		respondError(w, http.StatusBadRequest, "Invalid installation id")
		return
	}
	if _, err := h.messages.Registry.Plugin(pluginID); err != nil {
		respondError(w, http.StatusNotFound, "Unknown plugin")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(messages.MaxSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	ctx := r.Context()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("websocket closed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := messages.DecodeInbound(data)
		if err != nil {
			if writeFrames(conn, messages.Batch{messages.Error{Message: decodeErrorMessage(err)}}) != nil {
				return
			}
			continue
		}

		out, _, err := h.messages.dispatch(ctx, installationID, pluginID, msg)
		if err != nil {
			_, text := routingError(err)
			writeFrames(conn, messages.Batch{messages.Error{Message: text}})
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err := writeFrames(conn, out); err != nil {
			logger.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}

func writeFrames(conn *websocket.Conn, out messages.Batch) error {
	for _, m := range out {
		data, err := messages.Encode(m)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// pingLoop uses WriteControl, which may run concurrently with the reader's writes.
func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
