package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/zap"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gridoc/internal/logger"
)

const (
	serviceName   = "Gridoc CMS"
	healthPath    = "/healthz"
	healthTimeout = 5 * time.Second
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	BasePath       string
	Version        string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// NewRouter wires middleware, the service endpoints and the file routes.
func NewRouter(files *FileHandler, pinger interface{ Ping(context.Context) error }, log *zap.Logger, opt RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.RequestLogger(log, healthPath))
	r.Use(middleware.Recoverer)
	if opt.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opt.RequestTimeout))
	}

	origins := opt.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Filename", "If-None-Match"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "ETag", "Last-Modified", "Location", "X-File-Version"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"name": serviceName, "version": opt.Version})
	})

	r.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := pinger.Ping(ctx); err != nil {
			log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	base := "/" + strings.Trim(opt.BasePath, "/")
	if base == "/" {
		files.Routes(r)
	} else {
		r.Route(base, files.Routes)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:  http.StatusNotFound,
			Name:    "NotFound",
			Message: "route not found",
		})
	})

	return r
}
