package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Server issues grants, stores blobs and reports simulated processing over websockets
type Server struct {
	config *Config
	server *http.Server

	hub       *Hub
	ledger    *ledger
	backend   Backend
	local     *LocalBackend // nil unless the local backend is used
	processor *Processor

	now    func() time.Time
	bgWg   sync.WaitGroup
	cancel context.CancelFunc
}

func New(ctx context.Context, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config: config,
		hub:    NewHub(),
		ledger: newLedger(config.Grants.TTL),
		now:    time.Now,
	}
	s.processor = NewProcessor(config.Processing, s.hub)

	switch config.Blob.Backend {
	case BackendS3:
		backend, err := NewS3BackendWithConfig(ctx, config.Blob.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
		s.backend = backend
	default:
		local, err := NewLocalBackend(config.Blob.Dir, config.Blob.SigningSecret)
		if err != nil {
			return nil, fmt.Errorf("local backend: %w", err)
		}
		s.backend, s.local = local, local
	}

	handler, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// AccessToken signs a token for subject, or returns "" when auth is disabled
func (s *Server) AccessToken(subject string) (string, error) {
	if !s.config.Auth.Enabled {
		return "", nil
	}
	return NewAccessToken(subject, s.config.Auth)
}

// Start listens on the configured address and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.HTTP.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("devserver start", "addr", ln.Addr().String(), "backend", s.backend.Name())
	defer slog.Info("devserver stop")

	s.startBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.runHttpServer(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.stopBackground()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.hub.Shutdown(ctx); err != nil {
		slog.Warn("hub shutdown", "error", err)
	}
	s.stopBackground()
	return s.server.Shutdown(ctx)
}

// startBackground runs the processing workers and, for presigned backends, the upload watcher
func (s *Server) startBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.processor.Start(ctx)

	if s.local == nil {
		s.bgWg.Add(1)
		go func() {
			defer s.bgWg.Done()
			s.watchUploads(ctx, s.config.Processing.PollInterval)
		}()
	}
}

func (s *Server) stopBackground() {
	if s.cancel != nil {
		s.cancel()
	}
	s.bgWg.Wait()
	s.processor.Stop()
}

func (s *Server) runHttpServer(ln net.Listener) error {
	if s.config.HTTP.CertFile != "" && s.config.HTTP.KeyFile != "" {
		slog.Info("server start tls", "addr", ln.Addr().String(), "cert", s.config.HTTP.CertFile, "key", s.config.HTTP.KeyFile)
		return s.server.ServeTLS(ln, s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server start http", "addr", ln.Addr().String())
	return s.server.Serve(ln)
}
