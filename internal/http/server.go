package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/soloaunclick/clave/internal/observability/logger"
)

// Serve levanta el servidor y lo apaga con gracia cuando el contexto se
// cancela. Las conexiones en vuelo tienen 10 segundos para terminar.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.S().Infow("servidor http escuchando", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.S().Infow("apagando servidor http")
		return srv.Shutdown(shutCtx)
	}
}
