// Command davi-nfcd is the card emulation routing daemon. It keeps the
// controller's AID routing table in sync with the handler applications'
// registrations and dispatches reader APDUs to the selected handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
	"github.com/dotside-studios/davi-nfcd/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", buildinfo.Name, err)
		return 2
	}
	if cfg.ShowVersion {
		fmt.Println(buildinfo.BuildInfo())
		return 0
	}
	if cfg.File != "" {
		log.Printf("Using config %s", cfg.File)
	}

	agent, err := NewAgent(cfg)
	if err != nil {
		log.Printf("Failed to start: %v", err)
		return 1
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Printf("Fatal: %v", err)
		return 1
	}
	return 0
}
