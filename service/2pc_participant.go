package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tpcledger/ledger/config"
	"github.com/tpcledger/ledger/domain"
	"github.com/tpcledger/ledger/repository/database"
)

// TPCParticipant holds one participant node's partition of accounts: a
// balance map, a lazily-created per-account lock map (guarded by a
// short-lived global mutex exactly like the teacher's lock/lockMap pair in
// the original HandlePrepare), a write-ahead log, and an atomically
// written state snapshot.
type TPCParticipant struct {
	nodeID string

	statePath string
	wal       *database.Log[domain.WALRecord]

	storeMu  sync.Mutex // guards balances map reads/writes
	balances map[string]int64

	lockMapMu sync.Mutex // guards lockMap creation only
	lockMap   map[string]*sync.Mutex

	committedMu sync.Mutex // guards committed and appliedOps below
	committed   map[string]bool
	appliedOps  map[string]map[string]bool // txid -> account_id already applied

	log *zap.SugaredLogger
}

// NewTPCParticipant constructs a participant node, loading its snapshot
// (starting empty if none exists) and indexing already-committed txids
// from the WAL for COMMIT dedupe. A snapshot file that exists but fails to
// parse is a fatal error per spec.md §7.
func NewTPCParticipant(cfg *config.ParticipantConfig, log *zap.SugaredLogger) (*TPCParticipant, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("service: create data dir: %w", err)
	}

	statePath := filepath.Join(cfg.DataDir, fmt.Sprintf("node_%s_state.json", cfg.NodeID))
	walPath := filepath.Join(cfg.DataDir, fmt.Sprintf("node_%s_log.jsonl", cfg.NodeID))

	balances := make(map[string]int64)
	if err := database.ReadSnapshot(statePath, &balances); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("service: corrupt state file for node %s: %w", cfg.NodeID, err)
		}
		log.Infow("no state snapshot found, starting empty", "node", cfg.NodeID)
	}

	wal, err := database.OpenLog[domain.WALRecord](walPath)
	if err != nil {
		return nil, err
	}

	p := &TPCParticipant{
		nodeID:     cfg.NodeID,
		statePath:  statePath,
		wal:        wal,
		balances:   balances,
		lockMap:    make(map[string]*sync.Mutex),
		committed:  make(map[string]bool),
		appliedOps: make(map[string]map[string]bool),
		log:        log,
	}

	if err := p.indexCommittedTxIDs(); err != nil {
		return nil, err
	}
	return p, nil
}

// indexCommittedTxIDs replays the WAL once at startup purely to rebuild the
// dedupe indexes: which txids are fully committed, and — per txid — which
// account ids already have an `update` record, so a COMMIT retried after a
// partial failure never re-applies an operation that already landed.
// Balances themselves are never replayed from the WAL (it is diagnostic
// only, per spec.md §9 open question 4 — the snapshot is authoritative).
func (p *TPCParticipant) indexCommittedTxIDs() error {
	records, skipped, err := p.wal.ReadAll()
	if err != nil {
		return err
	}
	if skipped > 0 {
		p.log.Warnw("skipped corrupt WAL lines while indexing", "node", p.nodeID, "skipped", skipped)
	}
	for _, rec := range records {
		switch rec.Action {
		case domain.WALCommit:
			p.committed[rec.TxID] = true
		case domain.WALUpdate:
			p.markApplied(rec.TxID, rec.AccountID)
		}
	}
	return nil
}

// hasApplied reports whether accountID was already applied for txid by
// an earlier, partially-completed Commit call.
func (p *TPCParticipant) hasApplied(txid, accountID string) bool {
	p.committedMu.Lock()
	defer p.committedMu.Unlock()
	return p.appliedOps[txid][accountID]
}

func (p *TPCParticipant) markApplied(txid, accountID string) {
	p.committedMu.Lock()
	defer p.committedMu.Unlock()
	if p.appliedOps[txid] == nil {
		p.appliedOps[txid] = make(map[string]bool)
	}
	p.appliedOps[txid][accountID] = true
}

// getLock returns (creating if necessary) the mutex for accountID. The
// map itself is protected by a short-lived global mutex; once obtained,
// the per-account mutex is what the caller actually locks.
func (p *TPCParticipant) getLock(accountID string) *sync.Mutex {
	p.lockMapMu.Lock()
	defer p.lockMapMu.Unlock()
	l, ok := p.lockMap[accountID]
	if !ok {
		l = &sync.Mutex{}
		p.lockMap[accountID] = l
	}
	return l
}

func (p *TPCParticipant) getBalance(accountID string) int64 {
	p.storeMu.Lock()
	defer p.storeMu.Unlock()
	return p.balances[accountID]
}

func (p *TPCParticipant) SetBalance(accountID string, balance int64) {
	p.storeMu.Lock()
	defer p.storeMu.Unlock()
	p.balances[accountID] = balance
}

func (p *TPCParticipant) snapshotBalances() map[string]int64 {
	p.storeMu.Lock()
	defer p.storeMu.Unlock()
	out := make(map[string]int64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out
}

// Prepare implements spec.md §4.2's non-blocking-lock + feasibility check.
// All locks acquired here are released before Prepare returns regardless
// of outcome — the lock release policy of §4.2, compensated for by Commit
// recomputing from live balances.
func (p *TPCParticipant) Prepare(txid string, ops []domain.Operation) (bool, string, error) {
	accountIDs := uniqueSortedAccounts(ops)

	acquired := make([]*sync.Mutex, 0, len(accountIDs))
	releaseAll := func() {
		for _, l := range acquired {
			l.Unlock()
		}
	}

	for _, acc := range accountIDs {
		l := p.getLock(acc)
		if !l.TryLock() {
			releaseAll()
			reason := fmt.Sprintf("lock_contention_on_%s", acc)
			if err := p.wal.Append(domain.WALRecord{Action: domain.WALPrepareFailed, TxID: txid, Reason: reason}); err != nil {
				return false, reason, err
			}
			return false, reason, nil
		}
		acquired = append(acquired, l)
	}
	defer releaseAll()

	projected := make(map[string]int64, len(accountIDs))
	for _, acc := range accountIDs {
		projected[acc] = p.getBalance(acc)
	}
	for _, op := range ops {
		projected[op.AccountID] += op.Delta
		if projected[op.AccountID] < 0 {
			reason := "insufficient_balance"
			if err := p.wal.Append(domain.WALRecord{Action: domain.WALPrepareFailed, TxID: txid, Reason: reason}); err != nil {
				return false, reason, err
			}
			return false, reason, nil
		}
	}

	if err := p.wal.Append(domain.WALRecord{Action: domain.WALPrepareOK, TxID: txid, Operations: ops}); err != nil {
		return false, "prepare_log_failed", err
	}
	return true, "", nil
}

// Commit applies ops permanently, recomputing from the live balance (per
// the §4.2 lock release policy) rather than trusting the PREPARE-time
// projection. If dedupe finds txid already committed, Commit is a no-op.
//
// A retried COMMIT (spec.md §4.1's bounded-backoff redelivery) must be
// safe to replay from any partial state, not just from "nothing applied
// yet" or "everything applied": Commit skips any operation whose account
// id is already recorded as applied for this txid, so a delta that landed
// on an earlier call is never re-applied on a later one. If any remaining
// operation would now drive a balance negative — the residual risk the
// weakened-isolation design accepts — that operation and everything after
// it are skipped, no commit record is written, and an error is returned
// so the coordinator treats delivery as failed and retries; the next
// Commit call resumes from exactly the operations still outstanding.
func (p *TPCParticipant) Commit(txid string, ops []domain.Operation) error {
	p.committedMu.Lock()
	already := p.committed[txid]
	p.committedMu.Unlock()
	if already {
		return nil
	}

	for _, op := range ops {
		if p.hasApplied(txid, op.AccountID) {
			continue
		}
		if err := p.applyOperation(txid, op); err != nil {
			return err
		}
		p.markApplied(txid, op.AccountID)
	}

	if err := p.wal.Append(domain.WALRecord{Action: domain.WALCommit, TxID: txid}); err != nil {
		return err
	}

	p.committedMu.Lock()
	p.committed[txid] = true
	p.committedMu.Unlock()
	return nil
}

func (p *TPCParticipant) applyOperation(txid string, op domain.Operation) error {
	lock := p.getLock(op.AccountID)
	lock.Lock()
	defer lock.Unlock()

	oldBalance := p.getBalance(op.AccountID)
	newBalance := oldBalance + op.Delta
	if newBalance < 0 {
		return fmt.Errorf("service: commit %s would drive %s negative (%d + %d)", txid, op.AccountID, oldBalance, op.Delta)
	}

	if err := p.wal.Append(domain.WALRecord{
		Action:     domain.WALUpdate,
		TxID:       txid,
		AccountID:  op.AccountID,
		Delta:      op.Delta,
		OldBalance: oldBalance,
		NewBalance: newBalance,
	}); err != nil {
		return err
	}

	p.SetBalance(op.AccountID, newBalance)

	if err := database.WriteSnapshotAtomic(p.statePath, p.snapshotBalances()); err != nil {
		return err
	}
	return nil
}

// Abort records that txid will never be applied. Idempotent and safe for
// an unknown txid.
func (p *TPCParticipant) Abort(txid string) error {
	return p.wal.Append(domain.WALRecord{Action: domain.WALAbort, TxID: txid})
}

// Read returns accountID's current balance, 0 if never referenced.
func (p *TPCParticipant) Read(accountID string) int64 {
	lock := p.getLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return p.getBalance(accountID)
}

func uniqueSortedAccounts(ops []domain.Operation) []string {
	seen := make(map[string]struct{}, len(ops))
	accounts := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.AccountID]; ok {
			continue
		}
		seen[op.AccountID] = struct{}{}
		accounts = append(accounts, op.AccountID)
	}
	sort.Strings(accounts)
	return accounts
}
