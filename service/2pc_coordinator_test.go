package service_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tpcledger/ledger/config"
	"github.com/tpcledger/ledger/controller"
	"github.com/tpcledger/ledger/domain"
	"github.com/tpcledger/ledger/service"
)

// startTestParticipant brings up a real TPCParticipant behind a real
// ParticipantServer on an ephemeral port, returning its address and a
// handle to the underlying store for assertions.
func startTestParticipant(t *testing.T, nodeID string, initialBalances map[string]int64) (config.NodeAddr, *service.TPCParticipant) {
	t.Helper()

	cfg := &config.ParticipantConfig{NodeID: nodeID, DataDir: t.TempDir()}
	p, err := service.NewTPCParticipant(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("service.NewTPCParticipant(%s): %v", nodeID, err)
	}
	for acc, bal := range initialBalances {
		p.SetBalance(acc, bal)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := controller.NewParticipantServer(p, zap.NewNop().Sugar())
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return config.NodeAddr{Host: "127.0.0.1", Port: addr.Port}, p
}

func newTestCoordinator(t *testing.T, nodes map[string]config.NodeAddr) *service.TPCCoordinator {
	t.Helper()
	cfg := &config.CoordinatorConfig{
		Host:           "127.0.0.1",
		Nodes:          nodes,
		DataDir:        t.TempDir(),
		PrepareTimeout: 2 * time.Second,
		CommitTimeout:  2 * time.Second,
	}
	c, err := service.NewTPCCoordinator(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewTPCCoordinator: %v", err)
	}
	return c
}

func TestTransferCommitsAcrossTwoParticipants(t *testing.T) {
	addrN1, n1 := startTestParticipant(t, "N1", map[string]int64{"A": 100})
	addrN2, n2 := startTestParticipant(t, "N2", map[string]int64{"B": 50})

	coord := newTestCoordinator(t, map[string]config.NodeAddr{"N1": addrN1, "N2": addrN2})

	txid, success, reason := coord.Transfer("N1", "A", "N2", "B", 10)
	if !success {
		t.Fatalf("transfer failed: reason=%q", reason)
	}
	if txid == "" {
		t.Fatal("expected non-empty txid")
	}

	if got := n1.Read("A"); got != 90 {
		t.Fatalf("N1/A: got %d, want 90", got)
	}
	if got := n2.Read("B"); got != 60 {
		t.Fatalf("N2/B: got %d, want 60", got)
	}
}

func TestTransferAbortsOnInsufficientFunds(t *testing.T) {
	addrN1, n1 := startTestParticipant(t, "N1", map[string]int64{"A": 100})
	addrN2, n2 := startTestParticipant(t, "N2", map[string]int64{"B": 50})

	coord := newTestCoordinator(t, map[string]config.NodeAddr{"N1": addrN1, "N2": addrN2})

	_, success, reason := coord.Transfer("N1", "A", "N2", "B", 200)
	if success {
		t.Fatal("expected transfer to fail on insufficient funds")
	}
	if reason != "insufficient_balance" {
		t.Fatalf("got reason %q, want insufficient_balance", reason)
	}

	if got := n1.Read("A"); got != 100 {
		t.Fatalf("N1/A changed despite abort: got %d, want 100", got)
	}
	if got := n2.Read("B"); got != 50 {
		t.Fatalf("N2/B changed despite abort: got %d, want 50", got)
	}
}

func TestTransferRejectsInvalidRequests(t *testing.T) {
	addrN1, _ := startTestParticipant(t, "N1", map[string]int64{"A": 100})
	coord := newTestCoordinator(t, map[string]config.NodeAddr{"N1": addrN1})

	cases := []struct {
		name                                      string
		fromNode, fromAccount, toNode, toAccount  string
		amount                                    int64
	}{
		{"zero amount", "N1", "A", "N1", "B", 0},
		{"self transfer", "N1", "A", "N1", "A", 10},
		{"unknown node", "N1", "A", "NOPE", "B", 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, success, reason := coord.Transfer(tc.fromNode, tc.fromAccount, tc.toNode, tc.toAccount, tc.amount)
			if success {
				t.Fatalf("expected rejection for %s", tc.name)
			}
			if reason != "invalid_request" {
				t.Fatalf("got reason %q, want invalid_request", reason)
			}
		})
	}
}

func TestTransferWithinSameParticipant(t *testing.T) {
	addrN1, n1 := startTestParticipant(t, "N1", map[string]int64{"A": 100, "B": 20})
	coord := newTestCoordinator(t, map[string]config.NodeAddr{"N1": addrN1})

	_, success, reason := coord.Transfer("N1", "A", "N1", "B", 30)
	if !success {
		t.Fatalf("transfer failed: reason=%q", reason)
	}
	if got := n1.Read("A"); got != 70 {
		t.Fatalf("A: got %d, want 70", got)
	}
	if got := n1.Read("B"); got != 50 {
		t.Fatalf("B: got %d, want 50", got)
	}
}

func TestRecoverAbortsIncompleteTransactionAfterRestart(t *testing.T) {
	addrN1, n1 := startTestParticipant(t, "N1", map[string]int64{"A": 100})
	addrN2, n2 := startTestParticipant(t, "N2", map[string]int64{"B": 50})

	dataDir := t.TempDir()
	cfg := &config.CoordinatorConfig{
		Host:           "127.0.0.1",
		Nodes:          map[string]config.NodeAddr{"N1": addrN1, "N2": addrN2},
		DataDir:        dataDir,
		PrepareTimeout: 2 * time.Second,
		CommitTimeout:  2 * time.Second,
	}

	// Simulate a coordinator that logged START but crashed before ever
	// reaching COMPLETE.
	coord, err := service.NewTPCCoordinator(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewTPCCoordinator: %v", err)
	}
	txid := "crashed-tx"
	if err := coord.DecisionLog.Append(domain.DecisionRecord{
		TxID:  txid,
		Phase: domain.PhaseStart,
		NodeOps: map[string][]domain.Operation{
			"N1": {{AccountID: "A", Delta: -10}},
			"N2": {{AccountID: "B", Delta: 10}},
		},
	}); err != nil {
		t.Fatalf("Append START: %v", err)
	}

	recovered, err := service.NewTPCCoordinator(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewTPCCoordinator (restart): %v", err)
	}
	if err := recovered.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := n1.Read("A"); got != 100 {
		t.Fatalf("N1/A should be untouched after recovery abort: got %d, want 100", got)
	}
	if got := n2.Read("B"); got != 50 {
		t.Fatalf("N2/B should be untouched after recovery abort: got %d, want 50", got)
	}

	records, _, err := recovered.DecisionLog.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var sawComplete bool
	for _, rec := range records {
		if rec.TxID == txid && rec.Phase == domain.PhaseComplete && rec.Status == "aborted_during_recovery" {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("expected a COMPLETE(aborted_during_recovery) record for %s", txid)
	}
}

func TestConflictingTransfersAtMostOneCommits(t *testing.T) {
	addrN1, n1 := startTestParticipant(t, "N1", map[string]int64{"A": 100})
	addrN2, n2 := startTestParticipant(t, "N2", map[string]int64{"B": 50})

	coord := newTestCoordinator(t, map[string]config.NodeAddr{"N1": addrN1, "N2": addrN2})

	type result struct {
		success bool
		reason  string
	}
	results := make(chan result, 2)

	go func() {
		_, success, reason := coord.Transfer("N1", "A", "N2", "B", 60)
		results <- result{success, reason}
	}()
	go func() {
		_, success, reason := coord.Transfer("N1", "A", "N2", "B", 60)
		results <- result{success, reason}
	}()

	r1, r2 := <-results, <-results
	commits := 0
	if r1.success {
		commits++
	}
	if r2.success {
		commits++
	}
	if commits > 1 {
		t.Fatalf("both overlapping transfers committed; expected at most one")
	}

	if got := n1.Read("A"); got < 0 {
		t.Fatalf("N1/A went negative: %d", got)
	}
	if got := n2.Read("B"); got < 0 {
		t.Fatalf("N2/B went negative: %d", got)
	}
	_ = fmt.Sprint(r1, r2)
}
