package service

import "github.com/tpcledger/ledger/domain"

// Participant is the participant node's local contract, implemented by
// TPCParticipant and exercised directly by controller.ParticipantServer
// for each of the four request types in spec.md §4.2.
type Participant interface {
	// Prepare runs the non-blocking-lock + feasibility check and returns
	// whether the node votes to commit, with a reason when it votes abort.
	Prepare(txid string, ops []domain.Operation) (voteCommit bool, reason string, err error)
	// Commit applies ops permanently. Commit is a no-op (besides the ACK)
	// if txid was already committed.
	Commit(txid string, ops []domain.Operation) error
	// Abort records that txid will never be applied. Safe for an unknown
	// or never-prepared txid.
	Abort(txid string) error
	// Read returns the current balance of accountID, 0 if never referenced.
	Read(accountID string) int64
}
