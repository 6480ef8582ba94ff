// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command failsafed runs one node of an active-passive failsafe pair: it
// probes local health, exchanges heartbeats with the peer, owns the virtual
// address while master and replicates configuration to the backup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/failsafe/internal/agent"
	"grimm.is/failsafe/internal/config"
	"grimm.is/failsafe/internal/logging"
)

// version is injected at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/failsafe/failsafe.hcl", "Path to HCL config file")
	validate := flag.Bool("validate", false, "Validate the config file and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("failsafed %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failsafed: %v\n", err)
		os.Exit(1)
	}

	if *validate {
		fmt.Printf("%s: configuration OK (node %s, priority %d)\n",
			*configPath, cfg.NodeID, cfg.Priority)
		return
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.Level(cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	logging.SetDefault(logging.New(logCfg))
	logger := logging.WithComponent("main")

	a, err := agent.New(cfg)
	if err != nil {
		logger.Error("Failed to assemble agent", "error", err)
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		logger.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}

	logger.Info("failsafed running", "version", version, "node_id", cfg.NodeID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			// Operator-requested failover: promote this node if it is a
			// healthy backup.
			if err := a.TriggerFailover(context.Background()); err != nil {
				logger.Warn("Manual failover refused", "error", err)
			}
			continue
		}

		logger.Info("Shutting down", "signal", sig.String())
		a.Stop()
		return
	}
}
