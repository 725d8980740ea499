// Package httpapi exposes the control surface over HTTP: send_user_message
// plus the administrative pin/unpin/resurrect_manual/merge_chunks/stats/
// export/import operations, each a thin handler delegating to
// session.Controller.
package httpapi

import (
	"net/http"

	"lumen/internal/session"
)

// Server exposes the session control surface as HTTP endpoints.
type Server struct {
	ctrl *session.Controller
	mux  *http.ServeMux
}

// NewServer creates the HTTP API server wired to the session controller.
func NewServer(ctrl *session.Controller) *Server {
	s := &Server{ctrl: ctrl, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/session/messages", s.handleSendUserMessage)
	s.mux.HandleFunc("GET /api/v1/session/state", s.handleState)
	s.mux.HandleFunc("GET /api/v1/session/stats", s.handleStats)

	s.mux.HandleFunc("POST /api/v1/session/chunks/pin", s.handlePin)
	s.mux.HandleFunc("POST /api/v1/session/chunks/unpin", s.handleUnpin)
	s.mux.HandleFunc("POST /api/v1/session/chunks/resurrect", s.handleResurrectManual)
	s.mux.HandleFunc("POST /api/v1/session/chunks/merge", s.handleMergeChunks)

	s.mux.HandleFunc("GET /api/v1/session/export", s.handleExport)
	s.mux.HandleFunc("POST /api/v1/session/import", s.handleImport)
}
