// Command coordinator runs the 2PC coordinator process: it accepts client
// TRANSFER requests, sequences each one through two-phase commit against
// the configured participant nodes, and recovers incomplete transactions
// from its decision log on startup.
package main

import (
	"fmt"
	"os"

	"github.com/tpcledger/ledger/config"
	"github.com/tpcledger/ledger/controller"
	"github.com/tpcledger/ledger/logging"
	"github.com/tpcledger/ledger/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.NewCoordinatorConfig()
	if err != nil {
		return err
	}

	log := logging.New("coordinator")
	defer log.Sync()

	coordinator, err := service.NewTPCCoordinator(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}

	log.Infow("recovering incomplete transactions from decision log")
	if err := coordinator.Recover(); err != nil {
		return fmt.Errorf("recover decision log: %w", err)
	}

	server := controller.NewCoordinatorServer(coordinator, log)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return server.ListenAndServe(addr)
}
