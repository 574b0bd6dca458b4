// Package main provides the pkgsync CLI entrypoint.
//
// Every argument is forwarded to the server, which decides what the
// command means. The client only runs the directives the server returns.
//
// Usage:
//
//	pkgsync <command> [args...]
//
// Exit codes:
//   - 0: success
//   - 1: transport, protocol, or internal failure
//   - -1 (255): a clean error such as a server-declared error or a
//     missing project file
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/pkgsync/cli/cmd"
	"github.com/pithecene-io/pkgsync/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

// Replaced in tests.
var (
	osExit           = os.Exit
	stderr io.Writer = os.Stderr
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "pkgsync",
		Usage:           "Package sync client",
		UsageText:       "pkgsync <command> [args...]",
		Version:         fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		HideVersion:     true,
		HideHelp:        true,
		SkipFlagParsing: true,
		ExitErrHandler:  exitErrHandler,
		Action:          cmd.SessionAction,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		osExit(cmd.ExitFailure)
	}
}

// exitErrHandler prints err and exits with its mapped code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(stderr, msg)
		}
		osExit(code)
		return
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	osExit(cmd.ExitFailure)
}
