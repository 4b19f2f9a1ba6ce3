package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Run serves the HTTP API until ctx is canceled or a termination signal
// arrives, then shuts down gracefully. When controller.recover_on_start is
// set, orphaned items are reset and the loop resumes before serving.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop outlives the signal so an in-flight chunk can finish on shutdown.
	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoop()

	if a.cfg.Controller.RecoverOnStart {
		report, err := a.controller.RecoverStaleJobs(loopCtx)
		if err != nil {
			a.logger.Error("startup recovery failed", zap.Error(err))
		} else {
			a.logger.Info("startup recovery finished",
				zap.Int("reset_items", report.Reset),
				zap.Bool("loop_started", report.Started),
			)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(loopCtx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drainController(shutdownCtx, cancelLoop)
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// drainController lets the in-flight chunk finish, canceling it once ctx expires.
// Items of a canceled chunk stay processing until the next recovery.
func (a *App) drainController(ctx context.Context, cancelLoop context.CancelFunc) {
	if !a.controller.Stop() {
		return
	}
	if err := a.controller.Wait(ctx); err != nil {
		a.logger.Warn("controller did not drain in time, canceling chunk", zap.Error(err))
		cancelLoop()
		<-a.controller.Done()
	}
}
