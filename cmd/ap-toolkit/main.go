package main

import (
	"fmt"
	"os"

	"github.com/Jbsco/ap-toolkit/internal/cli"
	"github.com/Jbsco/ap-toolkit/internal/config"
	"github.com/Jbsco/ap-toolkit/internal/logging"
	"github.com/Jbsco/ap-toolkit/internal/siril"
	"github.com/Jbsco/ap-toolkit/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run history disabled", "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	engine := siril.NewEngine(cfg.Engine.Binary)
	root := cli.NewRoot(cfg, logger, store, engine)

	if err := cli.NewRootCmd(root).Execute(); err != nil {
		os.Exit(1)
	}
}
