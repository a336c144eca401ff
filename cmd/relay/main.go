// Command tetherterm-relay is the public broker from spec.md §4.3/§4.4:
// it registers agents, authenticates their WebSocket connections, binds
// browser clients, and fans out terminal frames between them. Grounded on
// the teacher's cmd/cw/main.go root-command shape and internal/relay/relay.go's
// RunRelay signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetherterm/tetherterm/internal/relay"
)

func main() {
	var (
		host      string
		port      int
		dataDir   string
		auditFlag bool
	)

	root := &cobra.Command{
		Use:   "tetherterm-relay",
		Short: "Public broker binding browser clients to agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "tetherterm-relay: shutting down")
				cancel()
			}()

			return relay.Run(ctx, relay.Config{
				ListenAddr:   fmt.Sprintf("%s:%d", host, port),
				DataDir:      dataDir,
				AuditEnabled: auditFlag,
			})
		},
	}
	root.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	root.Flags().IntVar(&port, "port", 8080, "listen port")
	root.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for the audit database")
	root.Flags().BoolVar(&auditFlag, "audit", true, "enable the best-effort audit log")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tetherterm-relay"
	}
	return filepath.Join(home, ".tetherterm-relay")
}
