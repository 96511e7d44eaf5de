package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mgalvao/wch/internal/config"
	"github.com/mgalvao/wch/internal/httpapi"
	"go.uber.org/zap"
)

// Server manages the local HTTP API lifecycle for a session daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the HTTP API to the configured loopback address.
func NewServer(p Params, cfg *config.Config, api *httpapi.API, logger *zap.Logger) (*Server, error) {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if addr == "" {
		addr = config.DefaultListenAddr
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		_ = s.httpServer.Close()
	}
}
