// Package server exposes the bridge over HTTP: the Web Chat page, the Bot
// Framework activity webhook and a couple of diagnostic routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/m3rciful/chatbridge/core/botframework"
	coreconfig "github.com/m3rciful/chatbridge/core/config"
	"github.com/m3rciful/chatbridge/core/logger"
)

// Options configure the HTTP server.
type Options struct {
	Config    *coreconfig.Config
	Processor MessageProcessor
	Bot       botframework.Bot

	// OnStart runs once the listener is bound.
	OnStart func(ctx context.Context, addr net.Addr) error
	// OnStop runs after the server has drained.
	OnStop func(ctx context.Context) error
}

// Server owns the listener and the handler chain.
type Server struct {
	opts    Options
	handler http.Handler
	ready   chan struct{}
	addr    net.Addr
}

// New validates opts and builds the handler chain.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: nil config provided")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("server: nil message processor")
	}
	if opts.Bot == nil {
		return nil, fmt.Errorf("server: nil bot")
	}
	router, err := newRouter(opts)
	if err != nil {
		return nil, fmt.Errorf("server: render web chat page: %w", err)
	}

	rl := opts.Config.RateLimit
	trusted, err := parseTrustedProxies(rl.TrustedProxies)
	if err != nil {
		return nil, err
	}
	limiter := newRateLimiter(time.Duration(rl.IntervalMS)*time.Millisecond, rl.ExcludeRoutes, trusted)
	return &Server{
		opts:    opts,
		handler: chain(router, requestLogger(trusted), limiter.middleware),
		ready:   make(chan struct{}),
	}, nil
}

// Handler returns the full handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.opts.Config.Server
	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", cfg.Addr(), err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	logger.Info(ctx, "http", "http.listen",
		slog.String("status", "ok"),
		slog.String("listen", s.addr.String()),
	)
	if s.opts.OnStart != nil {
		if err := s.opts.OnStart(ctx, s.addr); err != nil {
			_ = listener.Close()
			return fmt.Errorf("server: start hook: %w", err)
		}
	}

	serveDone := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "http", "http.shutdown", slog.String("status", "ok"))
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http", "http.shutdown",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		errs = append(errs, fmt.Errorf("server: shutdown: %w", err))
	}
	if s.opts.OnStop != nil {
		if err := s.opts.OnStop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server: stop hook: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run builds a server from opts and serves until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	s, err := New(opts)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
