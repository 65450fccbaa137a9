package main

import (
	"fmt"
	"os"

	"github.com/trevorbernard/mina-indexer/internal/config"
	"github.com/trevorbernard/mina-indexer/internal/ipc"
	"github.com/trevorbernard/mina-indexer/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitConfigError)
	}

	if cmd.Shutdown != nil {
		if err := ipc.RequestShutdown(cmd.Shutdown.DomainSocketPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return int(config.ExitFatalRuntime)
		}
		return int(config.ExitClean)
	}

	sv, err := supervisor.New(*cmd.Start)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitConfigError)
	}
	if err := sv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitFatalRuntime)
	}
	if sv.Signalled() {
		return int(config.ExitSignalled)
	}
	return int(config.ExitClean)
}
