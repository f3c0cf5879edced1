package net

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sooomo/udplog/config"
)

// Server hosts the payload endpoint.
type Server struct {
	http *http.Server
	opts config.HTTPConfig
	errc chan error
}

// NewServer builds the server from cfg. Zero timeouts take the defaults of
// config.Default. It does not listen until Start is called.
func NewServer(handler *gin.Engine, cfg config.HTTPConfig) *Server {
	def := config.Default().HTTP
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	return &Server{
		opts: cfg,
		errc: make(chan error, 1),
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

func (s *Server) Addr() string { return s.http.Addr }

// Start serves in a background goroutine. A listen failure is delivered on
// Err.
func (s *Server) Start() {
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("ListenAndServe: %v", err)
			s.errc <- err
		}
	}()
}

func (s *Server) Err() <-chan error { return s.errc }

// Stop shuts down gracefully, waiting at most ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if timeout := s.opts.ShutdownTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

// ShutdownTimeout is the effective shutdown timeout.
func (s *Server) ShutdownTimeout() time.Duration { return s.opts.ShutdownTimeout }
