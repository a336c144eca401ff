package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tetherterm/tetherterm/internal/protocol"
	"github.com/tetherterm/tetherterm/internal/terminal"
)

// attachCmd is a debug subcommand: it puts the operator's own terminal into
// raw mode and wires it directly to a running agent's /sse + /input surface,
// for exercising C1/C2 from a shell without a browser. Grounded on the
// teacher's internal/terminal/rawmode.go + size.go, which otherwise has no
// caller in this narrower spec.
func attachCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach this terminal directly to a running agent (debug)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(url, token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "agent base URL")
	cmd.Flags().StringVar(&token, "token", "", "agent access token")
	return cmd
}

func runAttach(baseURL, token string) error {
	guard, err := terminal.EnableRawMode()
	if err != nil {
		return fmt.Errorf("enabling raw mode: %w", err)
	}
	defer guard.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse?token="+token, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to agent: %w", err)
	}
	defer resp.Body.Close()

	if cols, rows, err := terminal.TerminalSize(); err == nil {
		postResize(ctx, baseURL, token, cols, rows)
	}
	resizeCh, stopResize := terminal.ResizeSignal()
	defer stopResize()
	go func() {
		for range resizeCh {
			if cols, rows, err := terminal.TerminalSize(); err == nil {
				postResize(ctx, baseURL, token, cols, rows)
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				postInput(ctx, baseURL, token, buf[:n])
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.SSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "output" {
			os.Stdout.Write([]byte(ev.Data))
		}
	}
	return ctx.Err()
}

func postInput(ctx context.Context, baseURL, token string, data []byte) {
	body, _ := json.Marshal(map[string]string{"data": string(data)})
	doPost(ctx, baseURL+"/input?token="+token, body)
}

func postResize(ctx context.Context, baseURL, token string, cols, rows uint16) {
	body, _ := json.Marshal(map[string]int{"cols": int(cols), "rows": int(rows)})
	doPost(ctx, baseURL+"/resize?token="+token, body)
}

func doPost(ctx context.Context, url string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
