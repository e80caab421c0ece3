/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, attached to the request logger
  2. RealIP:     Client address behind proxies
  3. Logging:    One zap line per request with status and latency
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/clients/{clientId}/*   Billing, payments, credit, configuration
  /api/scenarios/*            Demo client
  /metrics                    Prometheus scrape endpoint
  /healthz                    Liveness

SECURITY NOTE:
  No authentication middleware. The engine is meant to sit behind a
  gateway that authenticates users and passes X-User-ID.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/logger"
)

// RouterOptions configures the router outside the handler set.
type RouterOptions struct {
	CORSAllowOrigins []string
	Logger           *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := logger.OrNop(opts.Logger)
	origins := opts.CORSAllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/clients/{clientId}", func(r chi.Router) {
			// Bill routes
			r.Route("/bills/{domain}", func(r chi.Router) {
				r.Post("/penalties/refresh", h.RefreshPenalties)
				r.Get("/{periodId}", h.GetBillPeriod)
				r.Post("/{periodId}/generate", h.GenerateBills)
			})

			// Payment and transaction routes
			r.Post("/payments", h.RecordPayment)
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/{transactionId}", h.GetTransaction)
				r.Delete("/{transactionId}", h.DeleteTransaction)
			})

			// Credit routes
			r.Route("/units/{unitId}/credit", func(r chi.Router) {
				r.Get("/", h.GetCredit)
				r.Post("/", h.RecordCredit)
			})

			// Configuration routes
			r.Get("/config", h.GetClientConfig)
			r.Put("/config", h.PutClientConfig)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger puts a request-scoped zap logger on the context and logs
// each completed request.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, log := logger.WithRequestID(r.Context(), base, middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)))
		})
	}
}
