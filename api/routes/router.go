package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/bookings-backend/api/controllers"
	"github.com/angelmondragon/bookings-backend/api/middleware"
	"github.com/angelmondragon/bookings-backend/internal/bookings"
	products "github.com/angelmondragon/bookings-backend/internal/products"
	"github.com/angelmondragon/bookings-backend/pkg/config"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/redis"
)

// Deps carries everything the HTTP surface needs. Redis and Gatherer are
// optional: without Redis idempotency is disabled and readiness skips it.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    *redis.Client
	Products products.Service
	Bookings bookings.Service
	Gatherer prometheus.Gatherer
}

// NewRouter builds the chi router for the bookings API.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	readyDeps := map[string]controllers.Pinger{"db": deps.DB}
	var idempotencyStore redis.IdempotencyStore
	if deps.Redis != nil {
		readyDeps["redis"] = deps.Redis
		idempotencyStore = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, readyDeps))
	})

	if cfg.FeatureFlags.Metrics && deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Post("/", controllers.CreateProduct(deps.Products, logg))
			r.Get("/", controllers.ListProducts(deps.Products, logg))
			r.Get("/{productId}", controllers.GetProduct(deps.Products, logg))
			r.Put("/{productId}", controllers.ReplaceProduct(deps.Products, logg))
			r.Patch("/{productId}", controllers.UpdateProduct(deps.Products, logg))
			r.Delete("/{productId}", controllers.DeleteProduct(deps.Products, logg))
		})

		r.Route("/bookings", func(r chi.Router) {
			r.With(middleware.Idempotency(idempotencyStore, middleware.DefaultIdempotencyTTL, logg)).
				Post("/", controllers.CreateBooking(deps.Bookings, logg))
			r.Get("/{bookingId}", controllers.GetBooking(deps.Bookings, logg))
			r.Post("/{bookingId}/confirm", controllers.ConfirmBooking(deps.Bookings, logg))
			r.Post("/{bookingId}/cancel", controllers.CancelBooking(deps.Bookings, logg))
		})
	})

	return r
}
