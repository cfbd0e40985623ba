// Command client is the minimal external boundary collaborator spec.md
// §1 assigns to the CLI: open one TCP connection to the coordinator, send
// one TRANSFER, read one TRANSFER_RESULT, print it, exit. Everything else
// (the GUI control panel, shell demo scripts, process/log tooling) is out
// of scope and not reproduced here.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tpcledger/ledger/domain"
	"github.com/tpcledger/ledger/wire"
)

func main() {
	coordAddr := flag.String("coordinator", "127.0.0.1:5000", "coordinator host:port")
	fromNode := flag.String("from-node", "", "source participant node id")
	fromAccount := flag.String("from-account", "", "source account id")
	toNode := flag.String("to-node", "", "destination participant node id")
	toAccount := flag.String("to-account", "", "destination account id")
	amount := flag.Int64("amount", 0, "amount to transfer")
	timeout := flag.Duration("timeout", 10*time.Second, "round-trip timeout")
	flag.Parse()

	if err := run(*coordAddr, *fromNode, *fromAccount, *toNode, *toAccount, *amount, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run(coordAddr, fromNode, fromAccount, toNode, toAccount string, amount int64, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", coordAddr, timeout)
	if err != nil {
		return fmt.Errorf("connect to coordinator: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req := domain.TransferRequest{
		Type:        domain.MsgTransfer,
		FromNode:    fromNode,
		FromAccount: fromAccount,
		ToNode:      toNode,
		ToAccount:   toAccount,
		Amount:      amount,
	}
	if err := wire.WriteMessage(conn, req); err != nil {
		return fmt.Errorf("send TRANSFER: %w", err)
	}

	var result domain.TransferResult
	if err := wire.ReadMessage(conn, &result); err != nil {
		return fmt.Errorf("read TRANSFER_RESULT: %w", err)
	}

	if result.Success {
		fmt.Printf("transfer %s succeeded\n", result.TxID)
		return nil
	}
	fmt.Printf("transfer %s failed: %s\n", result.TxID, result.Reason)
	return nil
}
