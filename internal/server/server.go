// Package server exposes the tools over a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/engine"
	"github.com/nlqhq/nlq/internal/semantic"
	"github.com/nlqhq/nlq/internal/store"
	"github.com/nlqhq/nlq/internal/tool"
)

const clientHeader = "X-Client-Name"

// Server wraps the API handlers.
type Server struct {
	tools  *tool.Registry
	logs   store.LogStore
	logger *zap.Logger
	mux    *http.ServeMux
}

// ToolInfo is the listing entry for one tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Table       string `json:"table"`
	Source      string `json:"source"`
	Generator   string `json:"generator"`
	MaxRetries  int    `json:"max_retries"`
}

// QueryRequest is the body of a query call.
type QueryRequest struct {
	Question  string `json:"question"`
	UserInput string `json:"user_input,omitempty"`
}

// New constructs a Server with routes registered. logs may be nil, in which
// case the log routes answer 503.
func New(reg *tool.Registry, logs store.LogStore, logger *zap.Logger) (*Server, error) {
	if reg == nil {
		return nil, errors.New("tool registry is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		tools:  reg,
		logs:   logs,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/tools", s.handleTools)
	s.mux.HandleFunc("/api/tools/", s.handleToolRoutes)
	s.mux.HandleFunc("/api/logs", s.handleLogs)
	s.mux.HandleFunc("/api/logs/", s.handleRequestLog)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": s.tools.Names()})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]ToolInfo, 0)
	for _, rt := range s.tools.Runtimes() {
		opts := rt.Engine.Options()
		info := ToolInfo{
			Name:        rt.Name,
			Description: rt.Description,
			Table:       rt.Context().Table,
			Generator:   opts.Generator,
			MaxRetries:  opts.MaxRetries,
		}
		if rt.Source != nil {
			info.Source = string(rt.Source.Kind())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToolRoutes(w http.ResponseWriter, r *http.Request) {
	name, tail, ok := splitPath(r.URL.Path, "/api/tools/")
	if !ok || name == "" {
		http.NotFound(w, r)
		return
	}
	rt, found := s.tools.Get(name)
	if !found {
		http.Error(w, "tool not found", http.StatusNotFound)
		return
	}
	switch tail {
	case "query":
		s.handleQuery(w, r, rt)
	case "context":
		s.handleContext(w, r, rt)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, rt *tool.Runtime) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question required", http.StatusBadRequest)
		return
	}
	client := strings.TrimSpace(r.Header.Get(clientHeader))
	if client == "" {
		client = "unknown"
	}
	out, err := rt.Engine.Run(r.Context(), engine.Question{
		Text:      req.Question,
		UserInput: req.UserInput,
		Client:    client,
		RequestID: r.Header.Get("X-Request-ID"),
	})
	if err != nil {
		// The caller went away; nobody is left to read a response.
		s.logger.Info("query abandoned", zap.String("tool", rt.Name), zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request, rt *tool.Runtime) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(semantic.FormatContext(rt.Context()) + "\n"))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.logs == nil {
		http.Error(w, "query log disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.logs.ListAttempts(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, tail, ok := splitPath(r.URL.Path, "/api/logs/")
	if !ok || id == "" || tail != "" {
		http.NotFound(w, r)
		return
	}
	if s.logs == nil {
		http.Error(w, "query log disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.logs.ListRequest(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	id, tail, _ := strings.Cut(rest, "/")
	return id, tail, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
