package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(Logger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	if len(opts.AllowedOrigins) > 0 {
		r.Use(CORS(CORSConfig{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			MaxAge:         86400,
		}))
	}

	// Health and metrics
	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(JSONOnly)

		r.Route("/seals", func(r chi.Router) {
			r.Post("/", h.CreateSeal)
			r.Get("/{id}", h.GetSeal)
		})
		r.Post("/pulse", h.Pulse)
		r.Post("/pulse/status", h.PulseStatus)
		r.Post("/unlock", h.UnlockNow)
		r.Post("/burn", h.Burn)
		r.Post("/receipts/verify", h.VerifyReceipt)
	})

	return r
}

type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Metrics        http.Handler
}
