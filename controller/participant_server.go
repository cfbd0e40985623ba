// Package controller binds the service layer's Coordinator/Participant
// implementations to the wire package's length-framed JSON transport,
// the same "accept -> decode -> dispatch -> encode -> reply" shape as the
// teacher's CommitServer, generalized from a single gRPC service method
// set to the four plain-TCP request types spec.md §4.2 and §4.1 define.
package controller

import (
	"net"

	"go.uber.org/zap"

	"github.com/tpcledger/ledger/domain"
	"github.com/tpcledger/ledger/service"
	"github.com/tpcledger/ledger/wire"
)

// ParticipantServer accepts PREPARE, COMMIT, ABORT, and READ connections
// from the coordinator and dispatches them to a service.Participant.
type ParticipantServer struct {
	participant service.Participant
	log         *zap.SugaredLogger
}

// NewParticipantServer constructs a ParticipantServer.
func NewParticipantServer(participant service.Participant, log *zap.SugaredLogger) *ParticipantServer {
	return &ParticipantServer{participant: participant, log: log}
}

// ListenAndServe binds addr and serves connections until the listener or
// the process is closed. One goroutine per connection, matching spec.md
// §5's "one logical task per connection" scheduling model.
func (s *ParticipantServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.log.Infow("participant listening", "addr", addr)
	return s.Serve(ln)
}

// Serve accepts connections off an already-bound listener until it is
// closed. Split out from ListenAndServe so tests can serve off an
// ephemeral net.Listen("tcp", "127.0.0.1:0") without a fixed port.
func (s *ParticipantServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *ParticipantServer) handleConn(conn net.Conn) {
	defer conn.Close()

	body, err := wire.ReadFrame(conn)
	if err != nil {
		s.log.Debugw("failed to read frame", "error", err)
		return
	}

	msgType, err := wire.PeekType(body)
	if err != nil {
		s.log.Warnw("failed to sniff message type", "error", err)
		return
	}

	switch domain.MsgType(msgType) {
	case domain.MsgPrepare:
		s.handlePrepare(conn, body)
	case domain.MsgCommit:
		s.handleCommit(conn, body)
	case domain.MsgAbort:
		s.handleAbort(conn, body)
	case domain.MsgRead:
		s.handleRead(conn, body)
	default:
		wire.WriteMessage(conn, domain.ErrorResponse{Type: domain.MsgError, Error: "unknown message type " + msgType})
	}
}

func (s *ParticipantServer) handlePrepare(conn net.Conn, body []byte) {
	var req domain.PrepareRequest
	if err := decodeInto(body, &req); err != nil {
		s.log.Warnw("malformed PREPARE", "error", err)
		return
	}

	voteCommit, reason, err := s.participant.Prepare(req.TxID, req.Operations)
	if err != nil {
		s.log.Errorw("prepare failed", "txid", req.TxID, "error", err)
		wire.WriteMessage(conn, domain.VoteResponse{Type: domain.MsgVoteAbort, TxID: req.TxID, Reason: "internal_error"})
		return
	}

	if voteCommit {
		wire.WriteMessage(conn, domain.VoteResponse{Type: domain.MsgVoteCommit, TxID: req.TxID})
		return
	}
	wire.WriteMessage(conn, domain.VoteResponse{Type: domain.MsgVoteAbort, TxID: req.TxID, Reason: reason})
}

func (s *ParticipantServer) handleCommit(conn net.Conn, body []byte) {
	var req domain.CommitRequest
	if err := decodeInto(body, &req); err != nil {
		s.log.Warnw("malformed COMMIT", "error", err)
		return
	}

	if err := s.participant.Commit(req.TxID, req.Operations); err != nil {
		s.log.Errorw("commit failed", "txid", req.TxID, "error", err)
		// Per spec.md §4.2: no ACK on a failed commit apply. The
		// coordinator treats the dropped connection as a delivery
		// failure and retries.
		return
	}
	wire.WriteMessage(conn, domain.AckResponse{Type: domain.MsgAck, TxID: req.TxID})
}

func (s *ParticipantServer) handleAbort(conn net.Conn, body []byte) {
	var req domain.AbortRequest
	if err := decodeInto(body, &req); err != nil {
		s.log.Warnw("malformed ABORT", "error", err)
		return
	}

	if err := s.participant.Abort(req.TxID); err != nil {
		s.log.Errorw("abort failed", "txid", req.TxID, "error", err)
		return
	}
	wire.WriteMessage(conn, domain.AckResponse{Type: domain.MsgAck, TxID: req.TxID})
}

func (s *ParticipantServer) handleRead(conn net.Conn, body []byte) {
	var req domain.ReadRequest
	if err := decodeInto(body, &req); err != nil {
		s.log.Warnw("malformed READ", "error", err)
		return
	}

	balance := s.participant.Read(req.AccountID)
	wire.WriteMessage(conn, domain.ReadResult{Type: domain.MsgReadResult, AccountID: req.AccountID, Balance: balance})
}
