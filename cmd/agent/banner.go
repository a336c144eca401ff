package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	ansiGreen = "\x1b[32m"
	ansiDim   = "\x1b[2m"
	ansiReset = "\x1b[0m"
)

// printBanner prints the startup summary a human watching the terminal
// needs: where to point a browser, and the token if one wasn't supplied.
// Color is only applied when stdout is a real terminal.
func printBanner(url, token string, tokenGenerated bool) {
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	line := func(s string) string { return s }
	dim := line
	green := line
	if color {
		green = func(s string) string { return ansiGreen + s + ansiReset }
		dim = func(s string) string { return ansiDim + s + ansiReset }
	}

	fmt.Fprintln(os.Stderr, green("tetherterm-agent listening"))
	fmt.Fprintln(os.Stderr, dim("  "+url))
	if tokenGenerated {
		fmt.Fprintln(os.Stderr, dim("  token: "+token))
	}
}
