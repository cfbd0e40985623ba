package controller

import (
	"net"

	"go.uber.org/zap"

	"github.com/tpcledger/ledger/domain"
	"github.com/tpcledger/ledger/service"
	"github.com/tpcledger/ledger/wire"
)

// CoordinatorServer accepts client connections and serves the single
// TRANSFER request type spec.md §4.1 exposes externally. This is the
// only boundary out-of-scope clients (the GUI, shell demos, the CLI) are
// meant to speak against.
type CoordinatorServer struct {
	coordinator service.Coordinator
	log         *zap.SugaredLogger
}

// NewCoordinatorServer constructs a CoordinatorServer.
func NewCoordinatorServer(coordinator service.Coordinator, log *zap.SugaredLogger) *CoordinatorServer {
	return &CoordinatorServer{coordinator: coordinator, log: log}
}

// ListenAndServe binds addr and serves client connections until the
// listener or the process is closed.
func (s *CoordinatorServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.log.Infow("coordinator listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *CoordinatorServer) handleConn(conn net.Conn) {
	defer conn.Close()

	body, err := wire.ReadFrame(conn)
	if err != nil {
		s.log.Debugw("failed to read client frame", "error", err)
		return
	}

	msgType, err := wire.PeekType(body)
	if err != nil {
		s.log.Warnw("failed to sniff client message type", "error", err)
		return
	}

	if domain.MsgType(msgType) != domain.MsgTransfer {
		wire.WriteMessage(conn, domain.ErrorResponse{Type: domain.MsgError, Error: "unknown message type " + msgType})
		return
	}

	var req domain.TransferRequest
	if err := decodeInto(body, &req); err != nil {
		wire.WriteMessage(conn, domain.TransferResult{Type: domain.MsgTransferResult, Success: false, Reason: "invalid_request"})
		return
	}

	txid, success, reason := s.coordinator.Transfer(req.FromNode, req.FromAccount, req.ToNode, req.ToAccount, req.Amount)
	wire.WriteMessage(conn, domain.TransferResult{
		Type:    domain.MsgTransferResult,
		Success: success,
		TxID:    txid,
		Reason:  reason,
	})
}
