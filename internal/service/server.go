// Package service exposes the sync engine over HTTP so filesystem
// adapters and tooling can share one daemon-owned mirror.
package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/drivemirror/drivemirror/internal/drive"
	"github.com/drivemirror/drivemirror/internal/gateway"
	"github.com/drivemirror/drivemirror/internal/logging"
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/metrics"
	"github.com/drivemirror/drivemirror/internal/protocol"
	"github.com/drivemirror/drivemirror/internal/resolver"
)

// ErrUnimplemented marks operations the daemon advertises but does not
// carry out yet, such as content downloads.
var ErrUnimplemented = errors.New("operation not implemented")

// Server is the daemon HTTP server over one Engine.
type Server struct {
	engine *drive.Engine
}

// NewServer creates a server over an initialized engine.
func NewServer(engine *drive.Engine) *Server {
	return &Server{engine: engine}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/meta/{id}", s.handleMetadata)
	mux.HandleFunc("GET /api/v1/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/v1/lookup", s.handleLookup)
	mux.HandleFunc("GET /api/v1/objects/{id}/children", s.handleChildren)
	mux.HandleFunc("PUT /api/v1/offline", s.handleOffline)

	// Contract surface reserved for content and write support.
	mux.HandleFunc("POST /api/v1/objects/{id}/download", s.handleUnimplemented)
	mux.HandleFunc("PATCH /api/v1/objects/{id}", s.handleUnimplemented)
	mux.HandleFunc("DELETE /api/v1/objects/{id}", s.handleUnimplemented)
	mux.HandleFunc("PUT /api/v1/objects/{id}/keep", s.handleUnimplemented)
	mux.HandleFunc("DELETE /api/v1/objects/{id}/keep", s.handleUnimplemented)
	mux.HandleFunc("POST /api/v1/objects/{id}/sync", s.handleUnimplemented)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:  "ok",
		Offline: s.engine.Offline(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Update(r.Context()); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SyncResponse{Status: "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := meta.ID(r.PathValue("id"))
	m, err := s.engine.Metadata(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.MetadataResponse{Metadata: m})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "path parameter required")
		return
	}
	id, err := s.engine.ResolvePath(path)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ResolveResponse{Path: path, ID: id})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	parent := meta.ID(r.URL.Query().Get("parent"))
	name := r.URL.Query().Get("name")
	if parent == "" || name == "" {
		s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "parent and name parameters required")
		return
	}
	id, err := s.engine.LookupName(parent, name)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.LookupResponse{Parent: parent, Name: name, ID: id})
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id := meta.ID(r.PathValue("id"))
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	entries, err := s.engine.Children(id)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	total := len(entries)
	if offset > total {
		offset = total
	}
	s.sendJSON(w, http.StatusOK, protocol.ChildrenResponse{
		ID:      id,
		Offset:  offset,
		Total:   total,
		Entries: entries[offset:],
	})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	var req protocol.OfflineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "invalid request body")
		return
	}
	s.engine.SetOffline(req.Offline)
	s.sendJSON(w, http.StatusOK, protocol.OfflineResponse{Offline: req.Offline})
}

func (s *Server) handleUnimplemented(w http.ResponseWriter, r *http.Request) {
	s.sendError(w, http.StatusNotImplemented, protocol.KindUnimplemented,
		ErrUnimplemented.Error())
}

// sendEngineError maps engine error values onto HTTP status codes and
// machine-readable kinds.
func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, meta.ErrNotFound), errors.Is(err, resolver.ErrNotFound):
		s.sendError(w, http.StatusNotFound, protocol.KindNotFound, err.Error())
	case errors.Is(err, resolver.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, protocol.KindInvalidPath, err.Error())
	case errors.Is(err, drive.ErrUpdateRunning):
		s.sendError(w, http.StatusConflict, protocol.KindAlreadyRunning, err.Error())
	case errors.Is(err, drive.ErrRemovalUnsupported):
		s.sendError(w, http.StatusConflict, protocol.KindUnsupported, err.Error())
	case errors.Is(err, ErrUnimplemented):
		s.sendError(w, http.StatusNotImplemented, protocol.KindUnimplemented, err.Error())
	case errors.Is(err, gateway.ErrRemote),
		errors.Is(err, drive.ErrMalformedChange),
		errors.Is(err, gateway.ErrUnknownKind):
		s.sendError(w, http.StatusBadGateway, protocol.KindGateway, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, protocol.KindInternal, err.Error())
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind,
	})
}
