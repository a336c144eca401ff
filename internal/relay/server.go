package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the relay process (spec_full §6).
type Config struct {
	// ListenAddr is the HTTP/WS listen address (default "0.0.0.0:8080").
	ListenAddr string
	// DataDir holds the audit database; created if missing.
	DataDir string
	// AuditEnabled toggles C7 entirely (spec_full §6 --audit=false).
	AuditEnabled bool
}

// Run starts the relay's HTTP server and blocks until ctx is cancelled or
// the listener fails. Grounded on the teacher's internal/relay/relay.go
// RunRelay: build dependencies, start the HTTP server in a goroutine,
// select on ctx-done vs. a server error, shut down with a bounded timeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8080"
	}

	var audit *AuditLog
	if cfg.AuditEnabled {
		a, err := OpenAuditLog(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		audit = a
		defer audit.Close()
	}

	broker := NewBroker(audit)
	mux := buildMux(broker, cfg.AuditEnabled)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.ListenAddr, "audit", cfg.AuditEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
