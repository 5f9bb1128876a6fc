package cli

import (
	"errors"
	"fmt"
	"os"

	"speedshare/pkg/tracing"

	"github.com/urfave/cli/v2"
)

// NewApp builds the speedshare command line application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "speedshare",
		Usage:   "Send files peer to peer over parallel WebRTC data channels",
		Version: tracing.Version,
		Flags:   GlobalFlags(),
		Commands: []*cli.Command{
			SendCommand(),
			ReceiveCommand(),
			ProbeCommand(),
			BenchCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}
}

// exitErrHandler prints the error and exits with the code carried by
// cli.Exit errors, or 1 for anything else.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(c.App.ErrWriter, msg)
		}
		os.Exit(exitErr.ExitCode())
	}

	fmt.Fprintf(c.App.ErrWriter, "error: %v\n", err)
	os.Exit(1)
}
