package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/kiranshivaraju/rasterops/internal/api/middleware"
	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit   *mw.RateLimit
	Metrics     *metrics.Metrics
	CORSOrigins []string

	HealthHandler http.HandlerFunc

	UploadAsset   http.HandlerFunc
	ListAssets    http.HandlerFunc
	GetAsset      http.HandlerFunc
	DownloadAsset http.HandlerFunc
	DeleteAsset   http.HandlerFunc
	PublishAsset  http.HandlerFunc

	CalcHandler http.HandlerFunc
	FuseHandler http.HandlerFunc

	GetJob    http.HandlerFunc
	JobStatus http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(corsHandler(deps.CORSOrigins))
	r.Use(mw.ClientAddr)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/assets/upload", orNotImplemented(deps.UploadAsset))
		r.Get("/assets", orNotImplemented(deps.ListAssets))
		r.Get("/assets/{assetID}", orNotImplemented(deps.GetAsset))
		r.Get("/assets/{assetID}/file", orNotImplemented(deps.DownloadAsset))
		r.Delete("/assets/{assetID}", orNotImplemented(deps.DeleteAsset))
		r.Post("/assets/{assetID}/publish", orNotImplemented(deps.PublishAsset))

		r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))

		// Job submissions
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/raster/calc", orNotImplemented(deps.CalcHandler))
			r.Post("/raster/fuse", orNotImplemented(deps.FuseHandler))
		})
	})

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           300,
	})
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
