package main

import (
	"context"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/systmms/credrotate/cmd/credrotate/commands"
	"github.com/systmms/credrotate/internal/config"
	dserrors "github.com/systmms/credrotate/internal/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run()
	// Wipe any material still held in enclaves before exiting.
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	cfg := &config.Config{}
	rootCmd := commands.NewRootCommand(cfg, commands.BuildInfo{Version: version, Commit: commit, Date: date})
	return rootCmd.ExecuteContext(context.Background())
}
