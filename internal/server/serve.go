package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve runs srv until ctx is cancelled, then stops accepting requests,
// waits up to shutdownTimeout for in-flight requests and runs the shutdown
// hooks with the remaining time.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = hooks.Execute(context.Background())
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}

	if err := hooks.Execute(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	log.Info().Msg("server shutdown complete")

	return errors.Join(errs...)
}
