// Package server runs the HTTP API and the optional run schedule until the
// process is asked to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Scheduler is started alongside the HTTP server and stopped on shutdown.
type Scheduler interface {
	Start()
	Stop(ctx context.Context) error
}

// Run listens on port and blocks until ctx is canceled or SIGINT/SIGTERM is
// received. sched may be nil.
func Run(ctx context.Context, port int, handler http.Handler, sched Scheduler, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(ctx, ln, handler, sched, logger)
}

// Serve is Run over an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, sched Scheduler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	if sched != nil {
		sched.Start()
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	select {
	case err := <-serveErr:
		errs = append(errs, fmt.Errorf("serve http: %w", err))
	default:
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
