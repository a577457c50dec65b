package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/coachfeed/backend/internal/config"
	"github.com/zhouzirui/coachfeed/backend/internal/feed"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/live"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/persona"
	"github.com/zhouzirui/coachfeed/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/coachfeed/backend/internal/middleware"
	personaModel "github.com/zhouzirui/coachfeed/backend/internal/model/persona"
	aiService "github.com/zhouzirui/coachfeed/backend/internal/service/ai"
	chatService "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(personas personaModel.Store, chatSvc *chatService.Service, completer aiService.Client, feedCfg config.FeedConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	coordinator := feed.NewCoordinator(chatSvc, completer, feedCfg.ReplyTimeout)

	personaHandler := persona.New(personas)
	chatHandler := chat.New(chatSvc, personas, coordinator, feedCfg.PageSize)
	streamHandler := stream.New(chatSvc)
	liveHandler := live.New(chatSvc, completer, feed.Options{
		PageSize:     feedCfg.PageSize,
		ReplyTimeout: feedCfg.ReplyTimeout,
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		liveHandler.RegisterRoutes(api)
	})

	return r
}
