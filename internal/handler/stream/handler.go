package stream

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/handler/httperr"
	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	chatService "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler streams committed turns of a session via Server-Sent Events.
type Handler struct {
	chatSvc   *chatService.Service
	heartbeat time.Duration
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc, heartbeat: defaultHeartbeat}
}

// RegisterRoutes 注册 SSE 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/tail", h.handleTail)
}

// handleTail 推送 after 之后提交的所有消息。每个事件的 id 是消息游标，
// 浏览器重连时带回 Last-Event-ID 从断点继续。
func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	raw := r.URL.Query().Get("after")
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		raw = lastID
	}
	after, err := parseCursor(raw)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid after cursor")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	turns := make(chan chat.Turn, 16)
	sub, err := h.chatSvc.SubscribeTail(ctx, sessionID, after, func(t chat.Turn) {
		select {
		case turns <- t:
		case <-ctx.Done():
		}
	})
	if err != nil {
		httperr.Respond(w, err)
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "ready", map[string]any{"sessionId": sessionID, "after": after}); err != nil {
		return
	}
	log.Debug().Str("component", "stream").Str("session_id", sessionID).Int64("after", int64(after)).Msg("tail stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("component", "stream").Str("session_id", sessionID).Msg("tail stream closed")
			return
		case t := <-turns:
			id := strconv.FormatInt(int64(t.CreatedAt), 10)
			if err := utils.SendSSEEventWithID(w, flusher, id, "turn", t); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func parseCursor(raw string) (chat.Cursor, error) {
	if raw == "" {
		return chat.NoCursor, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return chat.Cursor(n), nil
}
