package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const httpShutdownTimeout = 5 * time.Second

// HttpWorker serves Handler on Address.
type HttpWorker struct {
	Address string
	Handler http.Handler
}

func (w HttpWorker) String() string {
	return fmt.Sprintf("http(%v)", w.Address)
}

func (w HttpWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	server := &http.Server{
		Addr:              w.Address,
		Handler:           w.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", w.Address)
	if err != nil {
		return err
	}
	slog.Info("http: listening", "address", ln.Addr().String())
	ready <- struct{}{}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http: shutdown", "error", err)
		}
	}()
	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
