// Package ws upgrades the chat and admin socket routes and hands them to the
// realtime server. Authorization failures are reported after the upgrade as
// close frames so browsers can read the close code.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sppix/storefront-backend/api/middleware"
	"github.com/sppix/storefront-backend/internal/realtime"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/logger"
)

// Server is the realtime surface the upgrade handlers drive.
type Server interface {
	ServeChat(ctx context.Context, conn realtime.Conn, who auth.AuthContext, roomID string)
	ServeAdminChat(ctx context.Context, conn realtime.Conn, who auth.AuthContext)
	ServeAdminRealtime(ctx context.Context, conn realtime.Conn, who auth.AuthContext)
}

type HandlerParams struct {
	// Base is cancelled on shutdown; it closes every open socket.
	Base    context.Context
	Server  Server
	Gate    *auth.Gate
	Origins []string
	Logger  *logger.Logger
}

type Handler struct {
	base     context.Context
	server   Server
	gate     *auth.Gate
	upgrader websocket.Upgrader
	logg     *logger.Logger
}

func NewHandler(params HandlerParams) *Handler {
	base := params.Base
	if base == nil {
		base = context.Background()
	}
	return &Handler{
		base:   base,
		server: params.Server,
		gate:   params.Gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(params.Origins),
		},
		logg: params.Logger,
	}
}

// Chat serves /ws/chat/{roomID}.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	h.serve(w, r, func(ctx context.Context, conn *websocket.Conn, who auth.AuthContext) {
		h.server.ServeChat(ctx, conn, who, roomID)
	})
}

// AdminChat serves /ws/admin/chat.
func (h *Handler) AdminChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, conn *websocket.Conn, who auth.AuthContext) {
		h.server.ServeAdminChat(ctx, conn, who)
	})
}

// AdminRealtime serves /ws/admin/realtime.
func (h *Handler) AdminRealtime(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, conn *websocket.Conn, who auth.AuthContext) {
		h.server.ServeAdminRealtime(ctx, conn, who)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, run func(context.Context, *websocket.Conn, auth.AuthContext)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		if h.logg != nil {
			h.logg.Warn(h.logg.WithField(r.Context(), "error", err.Error()), "ws.upgrade_failed")
		}
		return
	}

	who, err := h.identify(r)
	if err != nil {
		if h.logg != nil {
			h.logg.Warn(h.logg.WithField(r.Context(), "error", err.Error()), "ws.refused")
		}
		realtime.Reject(conn, realtime.CloseCodeFor(err), "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()
	if h.logg != nil && !who.Anonymous() {
		ctx = h.logg.WithUserID(ctx, who.UserID)
	}

	run(ctx, conn, who)
}

// identify reads the bearer token from the Authorization header or the token
// query parameter, and the anonymous chat session from the session query
// parameter or the session header.
func (h *Handler) identify(r *http.Request) (auth.AuthContext, error) {
	var who auth.AuthContext
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw != "" {
		decoded, err := h.gate.Decode(raw)
		if err != nil {
			return auth.AuthContext{}, err
		}
		who = decoded
	}
	who.Session = strings.TrimSpace(r.URL.Query().Get("session"))
	if who.Session == "" {
		who.Session = strings.TrimSpace(r.Header.Get(middleware.ChatSessionHeader))
	}
	return who, nil
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := map[string]bool{}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			allowed[strings.ToLower(origin)] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
