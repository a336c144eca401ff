// Command tetherterm-agent hosts one PTY-backed child process and exposes
// it over HTTP/SSE (spec.md §4.2), optionally pulling a connection to a
// relay (spec.md §4.5). Grounded on the teacher's cmd/cw/main.go root
// command + subcommand shape and its signal-driven shutdown in nodeCmd.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherterm/tetherterm/internal/agenthttp"
	"github.com/tetherterm/tetherterm/internal/auth"
	"github.com/tetherterm/tetherterm/internal/pairing"
	"github.com/tetherterm/tetherterm/internal/pty"
	"github.com/tetherterm/tetherterm/internal/relaylink"
)

var (
	hostFlag        string
	portFlag        int
	workspaceFlag   string
	commandPathFlag string
	tokenFlag       string
	relayURLFlag    string
	relayKeyFlag    string
	pairFlag        bool
	dataDirFlag     string
)

func main() {
	root := &cobra.Command{
		Use:   "tetherterm-agent",
		Short: "Host a terminal and serve it over HTTP/SSE, optionally via a relay",
		RunE:  runAgent,
	}
	root.Flags().StringVar(&hostFlag, "host", "127.0.0.1", "listen host")
	root.Flags().IntVar(&portFlag, "port", 8080, "listen port")
	root.Flags().StringVar(&workspaceFlag, "workspace", ".", "working directory for the child process")
	root.Flags().StringVar(&commandPathFlag, "command-path", defaultShell(), "CLI to exec under the PTY")
	root.Flags().StringVar(&tokenFlag, "token", "", "access token (generated if omitted)")
	root.Flags().StringVar(&relayURLFlag, "relay-url", "", "relay WebSocket URL to pull a connection from")
	root.Flags().StringVar(&relayKeyFlag, "relay-key", "", "agent key for --relay-url")
	root.Flags().BoolVar(&pairFlag, "pair", false, "print a QR code for the first-contact URL at startup")
	root.Flags().StringVar(&dataDirFlag, "data-dir", defaultDataDir(), "directory for the generated token file")

	root.AddCommand(attachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	relayURL, err := buildRelayURL(relayURLFlag, relayKeyFlag)
	if err != nil {
		return err
	}

	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	token, generated, err := loadToken()
	if err != nil {
		return err
	}

	session := pty.New(pty.Config{
		Workspace:   workspace,
		CommandPath: commandPathFlag,
	})
	if err := session.Start(); err != nil {
		return err // SpawnFailed: fatal at agent startup (spec.md §7)
	}
	defer session.Stop()

	server := agenthttp.New(session, token, false)

	var link *relaylink.Link
	if relayURL != "" {
		link = relaylink.New(relaylink.Config{RelayURL: relayURL, Session: session})
		server.RelayConnected = link.Connected
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "tetherterm-agent: shutting down")
		cancel()
	}()

	if link != nil {
		go link.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", hostFlag, portFlag)
	httpSrv := &http.Server{Addr: addr, Handler: server.Handler()}

	url := fmt.Sprintf("http://%s/?token=%s", addr, token)
	printBanner(url, token, generated)
	if pairFlag {
		if err := pairing.PrintQR(url); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		server.Shutdown()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// buildRelayURL returns the full WS dial URL for --relay-url, adding
// --relay-key as the "key" query parameter spec.md §4.5's
// "ws(s)://<relay>/ws/agent/{id}?key=…" form requires. An empty relayURL
// means pull mode is disabled; relayKey is then ignored.
func buildRelayURL(relayURL, relayKey string) (string, error) {
	if relayURL == "" {
		return "", nil
	}
	if relayKey == "" {
		return relayURL, nil
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parsing --relay-url: %w", err)
	}
	q := u.Query()
	q.Set("key", relayKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func loadToken() (token string, generated bool, err error) {
	if tokenFlag != "" {
		return tokenFlag, false, nil
	}
	if v := os.Getenv("TETHERTERM_TOKEN"); v != "" {
		return v, false, nil
	}
	t, err := auth.LoadOrGenerateToken(dataDirFlag, "")
	if err != nil {
		return "", false, err
	}
	return t, true, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tetherterm"
	}
	return filepath.Join(home, ".tetherterm")
}
