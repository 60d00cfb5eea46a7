package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/R3E-Network/magic-number/internal/config"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

// httpServer runs the API as a lifecycle-managed service.
type httpServer struct {
	srv *http.Server
	log *logger.Logger

	mu   sync.Mutex
	addr string
}

func newHTTPServer(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *httpServer {
	return &httpServer{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

func (s *httpServer) Name() string { return "http" }

func (s *httpServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.log.WithField("addr", s.addr).Info("http server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr is empty until the server has started.
func (s *httpServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
