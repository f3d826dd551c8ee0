package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server is the broker's HTTP front: the websocket upgrade endpoint and a
// health probe. Everything else (metrics) listens on its own port.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, wsHandler http.HandlerFunc, readTimeout, writeTimeout time.Duration) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/ws", wsHandler)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: r,
			// Write timeout must not apply to upgraded connections; the
			// websocket layer enforces its own deadlines, so only the
			// pre-upgrade read is bounded here.
			ReadHeaderTimeout: readTimeout,
		},
	}
}

func (s *Server) Start() {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
