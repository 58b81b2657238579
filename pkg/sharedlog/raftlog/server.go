package raftlog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Server receives raft messages over HTTP and steps them into a Node.
// It is the receiving half of HTTPTransport.
type Server struct {
	node       *Node
	logger     *slog.Logger
	httpServer *http.Server
	addr       string
}

// NewServer returns a Server that delivers incoming messages to node.
func NewServer(node *Node, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, addr: addr, logger: logger}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Post(raftEndpoint, s.handleStep)
	return r
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "decode message: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.logger.Error("raftlog: step failed", "from", msg.From, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("raftlog: server error", "error", err)
		}
	}()
	return nil
}

// Stop closes the receiving HTTP listener and any open connections
// immediately.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
