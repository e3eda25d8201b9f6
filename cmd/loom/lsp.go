package main

import (
	"flag"

	"github.com/tliron/commonlog"

	"github.com/chazu/loom/server"
)

func cmdLsp(args []string) error {
	fs := flag.NewFlagSet("lsp", flag.ExitOnError)
	verbosity := fs.Int("verbosity", 1, "Log verbosity")
	logPath := fs.String("log", "", "Log file path (default stderr)")
	fs.Parse(args)

	// stdout carries the protocol, so logging must stay off it.
	if *logPath != "" {
		commonlog.Configure(*verbosity, logPath)
	} else {
		commonlog.Configure(*verbosity, nil)
	}

	return server.NewLSP().Run()
}
