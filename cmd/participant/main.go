// Command participant runs one participant node: it holds a partition of
// accounts, serves PREPARE/COMMIT/ABORT/READ over TCP, and loads its
// state snapshot on startup.
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
		fmt.Fprintln(os.Stderr, "participant:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.NewParticipantConfig()
	if err != nil {
		return err
	}

	log := logging.New(fmt.Sprintf("participant:%s", cfg.NodeID))
	defer log.Sync()

	participant, err := service.NewTPCParticipant(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize participant %s: %w", cfg.NodeID, err)
	}

	server := controller.NewParticipantServer(participant, log)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return server.ListenAndServe(addr)
}
