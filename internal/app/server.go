package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/koushole/bookrag/internal/api/handlers"
	appMiddleware "github.com/koushole/bookrag/internal/api/middlewares"
	"github.com/koushole/bookrag/internal/logger"
)

const maxUploadBytes = 100 << 20

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer builds and wires all routes.
func NewServer(a *App) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + a.Config.Port,
			Handler:           NewRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: a.Log,
	}
}

// NewRouter mounts the document, ingestion and retrieval endpoints.
func NewRouter(a *App) http.Handler {
	docHandler := handlers.NewDocumentHandler(a.Documents, a.Ingest, maxUploadBytes, a.Log)
	chatHandler := handlers.NewChatHandler(a.Chat, a.Retrieval, a.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(a.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/documents", func(docs chi.Router) {
			docs.Post("/upload", docHandler.UploadDocument)
			docs.Get("/", docHandler.GetDocuments)
			docs.Get("/{collection}/{id}", docHandler.GetDocument)
			docs.Get("/{collection}/{id}/content", docHandler.GetContent)
			// Inline processing is bounded by the sync budget, not the route timeout.
			docs.Post("/{collection}/{id}/process", docHandler.ProcessDocument)
		})

		api.Group(func(query chi.Router) {
			query.Use(middleware.Timeout(60 * time.Second))
			query.Post("/retrieve", chatHandler.Retrieve)
			query.Post("/chat/query", chatHandler.QueryDocument)
		})
	})

	return r
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
