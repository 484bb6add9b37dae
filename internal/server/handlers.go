package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/engine"
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/session"
	"github.com/hyperjump/aichat/internal/tools"
	"github.com/hyperjump/aichat/internal/workspace"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func bindWorkspace(r *http.Request, base *models.RequestBase) {
	if base.WorkspaceRoot == "" {
		base.WorkspaceRoot = workspaceRootFrom(r.Context())
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bindWorkspace(r, &req.RequestBase)
	s.logger.Debug("chat stream request",
		zap.String("session", req.SessionID),
		zap.String("mode", req.Mode),
		zap.Int("message_len", len(req.Message)))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	err := s.engine.ChatStream(r.Context(), &req, func(chunk string) error {
		if _, err := io.WriteString(w, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil {
		return
	}
	if r.Context().Err() != nil {
		s.logger.Debug("chat stream client gone", zap.String("session", req.SessionID), zap.Error(err))
		return
	}
	s.logger.Error("chat stream failed", zap.String("session", req.SessionID), zap.Error(err))
	_, _ = io.WriteString(w, "\nError: "+err.Error())
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleInline(w http.ResponseWriter, r *http.Request) {
	var req models.InlineRequest
	if !s.decode(w, r, &req) {
		return
	}
	bindWorkspace(r, &req.RequestBase)
	resp, err := s.engine.Inline(r.Context(), &req)
	if err != nil {
		s.fail(w, "inline failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEditorAction(w http.ResponseWriter, r *http.Request) {
	var req models.EditorActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	bindWorkspace(r, &req.RequestBase)
	resp, err := s.engine.EditorAction(r.Context(), &req)
	if err != nil {
		s.fail(w, "editor action failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	var req models.ToolsRequest
	if !s.decode(w, r, &req) {
		return
	}
	bindWorkspace(r, &req.RequestBase)
	s.logger.Debug("tools request", zap.String("tool", req.ToolName), zap.String("session", req.SessionID))
	resp, err := s.engine.Tools(r.Context(), &req)
	if err != nil {
		s.fail(w, "tool failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.engine.Embeddings(r.Context(), &req)
	if err != nil {
		s.fail(w, "embeddings failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var llm models.LLMConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&llm); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ok, route, err := s.engine.CheckHealth(r.Context(), llm)
	if err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.respondJSON(w, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": ok, "route": route})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	root := workspaceRootFrom(r.Context())
	if root == "" {
		root = s.config.Workspace.Root
	}
	resp := map[string]any{
		"workspace_root": root,
		"rag_enabled":    s.config.Workspace.RAGEnabled,
		"database_path":  s.config.Storage.DatabasePath,
		"config_path":    s.config.Engine.ConfigPath,
	}
	if n, err := session.DatabaseSize(s.config.Storage.DatabasePath); err == nil {
		resp["database_size_bytes"] = n
	}
	if s.indexes != nil && root != "" {
		ix, err := s.indexes.Get(root)
		if err != nil {
			s.fail(w, "status: open index failed", err)
			return
		}
		resp["index"] = ix.Stats()
		if n, err := session.DiskUsageBytes(ix.StorePath()); err == nil {
			resp["index_size_bytes"] = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalid    *engine.InvalidRequestError
		validation *tools.ValidationError
		notFound   *tools.NotFoundError
		upstream   *provider.HTTPError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &validation), errors.Is(err, tools.ErrNoWorkspace):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrAccessDenied):
		return http.StatusForbidden
	case provider.IsConfigError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
