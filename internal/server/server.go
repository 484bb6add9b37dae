// Package server provides the HTTP API for the aichat engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/engine"
	"github.com/hyperjump/aichat/internal/indexer"
)

// Headers that bind a request to a workspace when the body names none.
const (
	HeaderWorkspaceRoot = "X-Workspace-Root"
	HeaderProjectRoot   = "X-Project-Root"
)

// Server is the HTTP server for the aichat API.
type Server struct {
	engine  *engine.Engine
	indexes *indexer.Manager
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a server with the given dependencies. indexes may be nil.
func NewServer(
	eng *engine.Engine,
	indexes *indexer.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:  eng,
		indexes: indexes,
		config:  cfg,
		logger:  logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(workspaceHeaders)

	r.Post("/ai/chat/stream", s.handleChatStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		r.Use(middleware.Compress(5))

		r.Post("/ai/inline", s.handleInline)
		r.Post("/ai/editor-action", s.handleEditorAction)
		r.Post("/ai/tools", s.handleTools)
		r.Post("/ai/embeddings", s.handleEmbeddings)
		r.Get("/ai-engine/metrics", s.handleMetrics)
		r.Post("/ai-engine/health", s.handleHealth)
		r.Get("/ai-engine/status", s.handleStatus)
		r.Get("/health", s.handleLiveness)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type workspaceKey struct{}

// workspaceHeaders stores the workspace root hint from the request headers.
func workspaceHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := strings.TrimSpace(r.Header.Get(HeaderWorkspaceRoot))
		if root == "" {
			root = strings.TrimSpace(r.Header.Get(HeaderProjectRoot))
		}
		if root != "" {
			r = r.WithContext(context.WithValue(r.Context(), workspaceKey{}, root))
		}
		next.ServeHTTP(w, r)
	})
}

func workspaceRootFrom(ctx context.Context) string {
	root, _ := ctx.Value(workspaceKey{}).(string)
	return root
}
