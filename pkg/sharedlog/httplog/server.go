package httplog

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server exposes an in-process sharedlog.Log over HTTP: POST /entries to
// append, GET /entries/{pos} to read, GET /tail to check the tail. It
// delegates all state to the Log it wraps; it owns none itself.
type Server struct {
	log        sharedlog.Log
	logger     *slog.Logger
	httpServer *http.Server
	addr       string
}

// NewServer returns a Server that serves log over addr (":8080" form).
func NewServer(log sharedlog.Log, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{log: log, logger: logger, addr: addr}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/entries", s.handleAppend)
	r.Get("/entries/{pos}", s.handleRead)
	r.Get("/tail", s.handleTail)
	return r
}

// Start begins serving in the background and returns nil at once,
// without waiting for the listener to bind; listen errors are logged,
// not returned.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httplog: server error", "error", err)
		}
	}()

	return nil
}

// Stop closes the HTTP listener and any open connections immediately.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	pos, err := s.log.Append(r.Context(), blob)
	if err != nil {
		s.writeLogError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, appendResponse{Position: uint64(pos)})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	pos, err := parsePosition(chi.URLParam(r, "pos"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blob, err := s.log.Read(r.Context(), pos)
	if err != nil {
		s.writeLogError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	tail, err := s.log.CheckTail(r.Context())
	if err != nil {
		s.writeLogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tailResponse{Tail: uint64(tail)})
}

func (s *Server) writeLogError(w http.ResponseWriter, err error) {
	if cruzerr.IsNotWritten(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("httplog: request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
