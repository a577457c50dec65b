// Package live serves the session view model over a websocket.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/feed"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/httperr"
	"github.com/zhouzirui/coachfeed/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket 会话视图处理器
type Handler struct {
	chatSvc   *chatservice.Service
	completer ai.Client
	opts      feed.Options
	upgrader  websocket.Upgrader
}

// New 创建 WebSocket 处理器
func New(chatSvc *chatservice.Service, completer ai.Client, opts feed.Options) *Handler {
	return &Handler{
		chatSvc:   chatSvc,
		completer: completer,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/live", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection owns the socket. Only writeLoop writes to conn.
type connection struct {
	conn      *websocket.Conn
	sessionID string
	session   *feed.Session

	out chan outgoingMessage

	viewMu  sync.Mutex
	latest  *feed.View
	viewSig chan struct{}

	tasks sync.WaitGroup
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Respond(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "live").Msg("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		conn:      conn,
		sessionID: sessionID,
		session:   feed.NewSession(h.chatSvc, h.completer, sessionID, h.opts),
		out:       make(chan outgoingMessage, 16),
		viewSig:   make(chan struct{}, 1),
	}
	unsubscribe := c.session.OnChange(c.pushView)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
		cancel()
		// unblocks ReadJSON when the writer gave up first
		_ = conn.Close()
	}()

	defer func() {
		cancel()
		unsubscribe()
		c.session.Close()
		c.tasks.Wait()
		<-writerDone
		log.Debug().Str("component", "live").Str("session_id", sessionID).Msg("connection closed")
	}()

	log.Debug().Str("component", "live").Str("session_id", sessionID).Msg("new connection")

	if err := c.session.Open(ctx); err != nil {
		c.sendError("history unavailable, retry with loadOlder")
	}
	if err := c.session.Follow(ctx); err != nil {
		log.Warn().Err(err).Str("component", "live").Str("session_id", sessionID).Msg("live tail unavailable")
	}
	c.pushView(c.session.View())

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("component", "live").Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(ctx, msg)
	}
}

func (c *connection) handleMessage(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case "send":
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			out, err := c.session.Submit(ctx, msg.Text)
			if err != nil {
				if errors.Is(err, feed.ErrValidation) || errors.Is(err, feed.ErrSendInFlight) {
					c.sendError(err.Error())
				}
				return
			}
			c.send(outgoingMessage{Type: "sent", SessionID: c.sessionID, Data: out})
		}()
	case "loadOlder":
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			res, err := c.session.LoadOlder(ctx)
			if err != nil {
				// the view already carries loadError
				return
			}
			c.send(outgoingMessage{Type: "loaded", SessionID: c.sessionID, Data: res})
		}()
	case "draft":
		c.session.SetDraft(msg.Text)
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

// pushView keeps only the newest snapshot; the writer skips ones it never got to.
func (c *connection) pushView(v feed.View) {
	c.viewMu.Lock()
	if c.latest == nil || v.Version >= c.latest.Version {
		c.latest = &v
	}
	c.viewMu.Unlock()

	select {
	case c.viewSig <- struct{}{}:
	default:
	}
}

func (c *connection) send(msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	select {
	case c.out <- msg:
	default:
		log.Warn().Str("component", "live").Str("session_id", c.sessionID).Str("type", msg.Type).Msg("outgoing buffer full, dropping frame")
	}
}

func (c *connection) sendError(message string) {
	c.send(outgoingMessage{Type: "error", SessionID: c.sessionID, Data: map[string]string{"message": message}})
}

func (c *connection) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var lastVersion uint64
	sentAny := false
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-c.viewSig:
			c.viewMu.Lock()
			v := c.latest
			c.viewMu.Unlock()
			if v == nil || (sentAny && v.Version <= lastVersion) {
				continue
			}
			lastVersion, sentAny = v.Version, true
			if err := c.write(outgoingMessage{Type: "view", SessionID: c.sessionID, Data: v, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) write(msg outgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("component", "live").Msg("failed to marshal frame")
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Err(err).Str("component", "live").Msg("write failed")
		return err
	}
	return nil
}
