package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sppix/storefront-backend/api/controllers"
	admincontrollers "github.com/sppix/storefront-backend/api/controllers/admin"
	chatcontrollers "github.com/sppix/storefront-backend/api/controllers/chat"
	gatewaycontrollers "github.com/sppix/storefront-backend/api/controllers/gateway"
	ordercontrollers "github.com/sppix/storefront-backend/api/controllers/orders"
	"github.com/sppix/storefront-backend/api/controllers/ws"
	"github.com/sppix/storefront-backend/api/middleware"
	"github.com/sppix/storefront-backend/internal/chat"
	"github.com/sppix/storefront-backend/internal/checkout"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/config"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/redis"
)

// Dependencies is everything the router mounts. Redis, Presence and Metrics
// are optional; without Redis the replay and rate-limit layers are skipped.
type Dependencies struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         controllers.Pinger
	Redis      *redis.Client
	Gate       *auth.Gate
	Checkout   checkout.Service
	Orders     orders.Service
	Reconciler gatewaycontrollers.Reconciler
	Chat       *chat.Registry
	Presence   chat.PresenceReader
	Sockets    *ws.Handler
	Metrics    http.Handler
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	ready := map[string]controllers.Pinger{"db": deps.DB}
	if deps.Redis != nil {
		ready["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, ready, logg))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	if deps.Sockets != nil {
		r.Route("/ws", func(r chi.Router) {
			r.Get("/chat/{roomID}", deps.Sockets.Chat)
			r.Get("/admin/chat", deps.Sockets.AdminChat)
			r.Get("/admin/realtime", deps.Sockets.AdminRealtime)
		})
	}

	checkoutGuards := []func(http.Handler) http.Handler{}
	adminReplay := []func(http.Handler) http.Handler{}
	if deps.Redis != nil {
		policy := middleware.NewRateLimitPolicy("checkout", cfg.Checkout.RateLimitWindow, cfg.Checkout.RateLimitPerIP)
		replay := middleware.Idempotency(deps.Redis, cfg.Checkout.IdempotencyTTL, logg)
		checkoutGuards = append(checkoutGuards, middleware.RateLimit(policy, deps.Redis, logg), replay)
		adminReplay = append(adminReplay, replay)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Gate, logg))

		r.Route("/public", func(r chi.Router) {
			r.Get("/ping", controllers.PublicPing())

			r.Route("/orders", func(r chi.Router) {
				r.With(checkoutGuards...).Post("/create-and-checkout", ordercontrollers.CreateAndCheckout(deps.Checkout, logg))
				r.Get("/by-number/{orderNumber}", ordercontrollers.ByNumber(deps.Orders, logg))
				r.Get("/by-id/{orderID}", ordercontrollers.ByID(deps.Orders, logg))
				r.Patch("/by-id/{orderID}", ordercontrollers.UpdatePaymentStatus(deps.Orders, deps.Reconciler, logg))
				r.Get("/track/{idOrTracking}", ordercontrollers.Track(deps.Orders, logg))
			})

			r.Route("/gateway", func(r chi.Router) {
				r.Get("/session/{sessionID}", gatewaycontrollers.Session(deps.Reconciler, logg))
				r.Post("/callback", gatewaycontrollers.Callback(deps.Reconciler, logg))
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/rooms", chatcontrollers.OpenRoom(deps.Chat, logg))
			r.Get("/rooms/{roomID}/messages", chatcontrollers.Messages(deps.Chat, logg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(logg))
			r.Get("/ping", controllers.AdminPing())

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", admincontrollers.ListOrders(deps.Orders, logg))
				r.Get("/{orderID}", admincontrollers.GetOrder(deps.Orders, logg))
				r.Post("/{orderID}/fulfilment", admincontrollers.AdvanceFulfilment(deps.Orders, logg))
				r.With(adminReplay...).Post("/{orderID}/cancel", admincontrollers.CancelOrder(deps.Orders, logg))
				r.With(adminReplay...).Post("/{orderID}/refund", admincontrollers.RefundOrder(deps.Orders, logg))
			})

			r.Route("/chat/rooms", func(r chi.Router) {
				r.Get("/", admincontrollers.ListRooms(deps.Chat, deps.Presence, logg))
				r.Get("/{roomID}/messages", admincontrollers.RoomMessages(deps.Chat, logg))
				r.Post("/{roomID}/messages", admincontrollers.PostMessage(deps.Chat, logg))
				r.Post("/{roomID}/read", admincontrollers.MarkRead(deps.Chat, logg))
				r.Post("/{roomID}/close", admincontrollers.CloseRoom(deps.Chat, logg))
			})
		})
	})

	return r
}
