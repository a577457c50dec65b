package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/feed"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/httperr"
	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/model/persona"
	chatService "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/pkg/utils"
)

const (
	maxPageLimit = 200
	userIDHeader = "X-User-ID"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	personaStore persona.Store
	coordinator  *feed.Coordinator
	historyLimit int
}

// New 创建聊天处理器。historyLimit 是发送时作为上下文读取的最近轮数。
func New(chatSvc *chatService.Service, personaStore persona.Store, coordinator *feed.Coordinator, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = feed.DefaultPageSize
	}
	return &Handler{
		chatSvc:      chatSvc,
		personaStore: personaStore,
		coordinator:  coordinator,
		historyLimit: historyLimit,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Get("/sessions/{sessionID}/turns", h.handleListTurns)
	r.Post("/sessions/{sessionID}/turns", h.handleSend)
	r.Get("/sessions/{sessionID}/count", h.handleCount)
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}

	if _, ok := h.personaStore.FindByID(payload.PersonaID); !ok {
		utils.RespondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	// 已登录用户固定映射到一个会话；身份校验由上游网关完成
	var (
		session chat.Session
		err     error
	)
	if userID := strings.TrimSpace(r.Header.Get(userIDHeader)); userID != "" {
		session, err = h.chatSvc.EnsureSession(r.Context(), "user-"+userID, payload.PersonaID)
	} else {
		session, err = h.chatSvc.CreateSession(r.Context(), payload.PersonaID)
	}
	if err != nil {
		httperr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleGetSession 查询会话信息
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httperr.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleListTurns 分页读取历史消息，before 为空时返回最新一页
func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	before, err := parseCursor(r.URL.Query().Get("before"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid before cursor")
		return
	}
	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxPageLimit {
			utils.RespondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
	}

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Respond(w, err)
		return
	}
	page, err := h.chatSvc.QueryPage(r.Context(), sessionID, before, limit)
	if err != nil {
		httperr.Respond(w, err)
		return
	}
	if page.Turns == nil {
		page.Turns = []chat.Turn{}
	}
	resp := pageResponse{Page: page}
	if !page.Exhausted {
		resp.NextBefore = page.Oldest()
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// pageResponse 在分页结果上附带下一页的 before 游标，已到最早一页时省略
type pageResponse struct {
	chat.Page
	NextBefore chat.Cursor `json:"nextBefore,omitempty"`
}

// handleCount 返回会话消息总数（尽力而为）
func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Respond(w, err)
		return
	}
	n, err := h.chatSvc.Count(r.Context(), sessionID)
	if err != nil {
		httperr.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"count": n})
}

// handleSend 提交用户消息并同步等待助手回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Respond(w, err)
		return
	}

	out, err := h.coordinator.Send(r.Context(), sessionID, payload.Text, feed.SendHooks{
		History: func(ctx context.Context, user chat.Turn) []chat.Turn {
			return h.history(ctx, sessionID, user)
		},
	})
	if err != nil {
		if out.User.ID != "" {
			log.Error().Err(err).Str("component", "chat").Str("session_id", sessionID).Str("user_turn", out.User.ID).Msg("user turn stored without a reply")
		}
		httperr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, out)
}

// history 读取最近的已提交消息作为补全上下文，读取失败时只带上本轮用户消息
func (h *Handler) history(ctx context.Context, sessionID string, user chat.Turn) []chat.Turn {
	turns, err := h.chatSvc.LoadTranscript(ctx, sessionID, h.historyLimit)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("session_id", sessionID).Msg("history unavailable, replying without context")
		return []chat.Turn{user}
	}
	return turns
}

func parseCursor(raw string) (chat.Cursor, error) {
	if raw == "" {
		return chat.NoCursor, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative cursor")
	}
	return chat.Cursor(n), nil
}
