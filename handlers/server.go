package handlers

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"houseplans.app/cloud/internal/ledger"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/metrics"
	"houseplans.app/cloud/internal/mpesa"
	"houseplans.app/cloud/internal/ratelimit"
	"houseplans.app/cloud/internal/watermark"
	"houseplans.app/cloud/models"
)

// Ledger is the part of the purchase ledger the HTTP layer drives.
type Ledger interface {
	CreateClaim(ctx context.Context, in ledger.CreateClaimInput) (*models.Claim, error)
	ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error)
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id, reason string) error
	IsEntitled(ctx context.Context, productID int64, token string) (bool, error)
}

type Downloads interface {
	RenderDownload(ctx context.Context, productID int64, token string) (*watermark.Download, error)
	Stats() watermark.Stats
}

type Payments interface {
	STKPush(ctx context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

type Deps struct {
	Ledger         Ledger
	Downloads      Downloads
	Payments       Payments // nil when M-Pesa is not configured
	RequireAdmin   func(http.Handler) http.Handler
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies []netip.Prefix // peers allowed to set X-Forwarded-For and X-Real-IP
	CORSOrigins    []string
	Version        string
	Now            func() time.Time
}

type Server struct {
	Router chi.Router

	ledger    Ledger
	downloads Downloads
	payments  Payments
	version   string
	now       func() time.Time
}

func NewHttpServer(deps Deps) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		ledger:    deps.Ledger,
		downloads: deps.Downloads,
		payments:  deps.Payments,
		version:   deps.Version,
		now:       deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(ratelimit.RealIP(deps.TrustedProxies))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	requireAdmin := deps.RequireAdmin
	if requireAdmin == nil {
		requireAdmin = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", s.Health)
	// Scrapers authenticate with an admin bearer token.
	r.With(requireAdmin).Method(http.MethodGet, "/metrics", metrics.Handler())

	throttle := func(route string) func(http.Handler) http.Handler {
		if deps.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return ratelimit.Middleware(deps.Limiter, route)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/purchases", s.CreatePurchase)
		r.With(throttle("validate")).Get("/purchases/validate", s.ValidatePurchase)
		r.With(throttle("download")).Get("/products/{id}/download", s.DownloadProduct)

		r.Post("/payments/stk-push", s.STKPush)
		r.Post("/payments/callback/stk", s.STKCallback)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/purchases", s.ListPurchases)
			r.Get("/purchases/{id}", s.GetPurchase)
			r.Put("/purchases/{id}/approve", s.ApprovePurchase)
			r.Put("/purchases/{id}/reject", s.RejectPurchase)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// requestLogger records every request once it has been routed, labelling
// metrics by route pattern so ids in the path do not explode cardinality.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)

			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("http request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"route":       route,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": elapsed.Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
				"remote_addr": r.RemoteAddr,
			})
		}()

		next.ServeHTTP(ww, r)
	})
}
