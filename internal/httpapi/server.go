package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/bookstore-fulfillment/internal/auth"
	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/gateway"
	"github.com/safar/bookstore-fulfillment/internal/logger"
	"github.com/safar/bookstore-fulfillment/internal/metrics"
	"github.com/safar/bookstore-fulfillment/internal/models"
)

// EventHandler applies gateway events; satisfied by *fulfillment.Coordinator.
type EventHandler interface {
	Handle(ctx context.Context, ev fulfillment.Event) (*fulfillment.Result, error)
}

// PaymentGateway is the hosted checkout provider.
type PaymentGateway interface {
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*fulfillment.Event, string, error)
	SessionEvent(ctx context.Context, sessionID string) (*fulfillment.Event, error)
	CreateCheckoutSession(ctx context.Context, cart *models.Cart, successURL, cancelURL string) (*gateway.CheckoutSession, error)
}

// WebhookGuard filters gateway redeliveries.
type WebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Done(ctx context.Context, eventID string) error
	Delete(ctx context.Context, eventID string) error
}

type CancelNotifier interface {
	OrderCancelled(ctx context.Context, order *models.Order) error
}

type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

type Deps struct {
	DB         *sql.DB
	Events     EventHandler
	Gateway    PaymentGateway
	Guard      WebhookGuard
	Notifier   CancelNotifier
	Tokens     TokenParser
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *logger.Logger
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

type server struct {
	db         *sql.DB
	events     EventHandler
	gateway    PaymentGateway
	guard      WebhookGuard
	notifier   CancelNotifier
	tokens     TokenParser
	metrics    *metrics.Metrics
	log        *logger.Logger
	validate   *validator.Validate
	successURL string
	cancelURL  string
}

func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	s := &server{
		db:         deps.DB,
		events:     deps.Events,
		gateway:    deps.Gateway,
		guard:      deps.Guard,
		notifier:   deps.Notifier,
		tokens:     deps.Tokens,
		metrics:    deps.Metrics,
		log:        log,
		validate:   newValidator(),
		successURL: deps.SuccessURL,
		cancelURL:  deps.CancelURL,
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimw.RealIP)
	r.Use(s.logging)
	r.Use(s.recoverer)
	r.Use(chimw.Timeout(timeout))

	r.Get("/healthz", s.healthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/webhooks/stripe", s.stripeWebhook)
	r.Get("/books", s.listBooks)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", s.getCart)
			r.Delete("/", s.clearCart)
			r.Get("/validate", s.validateCart)
			r.Post("/items", s.addCartItem)
			r.Put("/items/{bookID}", s.setCartItem)
			r.Delete("/items/{bookID}", s.removeCartItem)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.createOrder)
			r.Get("/", s.listOrders)
			r.Get("/{orderID}", s.getOrder)
			r.Post("/{orderID}/cancel", s.cancelOrder)
		})

		r.Route("/checkout/sessions", func(r chi.Router) {
			r.Post("/", s.createCheckoutSession)
			r.Post("/{sessionID}/verify", s.verifyCheckoutSession)
		})

		r.Route("/admin/orders", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/{orderID}", s.adminGetOrder)
			r.Patch("/{orderID}/status", s.adminUpdateStatus)
			r.Post("/{orderID}/cancel", s.adminCancelOrder)
		})
	})

	return r
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.log.Error(ctx, "health check failed", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
