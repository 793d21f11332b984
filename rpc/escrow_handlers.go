package rpc

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func (s *Server) handleEscrowComputeID(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var ref string
	if err := decodeParam(req, 0, &ref); err != nil || strings.TrimSpace(ref) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "orderRef required", nil)
		return
	}
	writeResult(w, req.ID, ComputeIDResult{OrderRef: ref, OrderID: s.node.ComputeID(ref).Hex()})
}

func (s *Server) handleEscrowGetOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var raw string
	if err := decodeParam(req, 0, &raw); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "order id required", err.Error())
		return
	}
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "order id must be a 32 byte hex string", raw)
		return
	}
	id := common.BytesToHash(decoded)
	order, err := s.node.Order(id)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	refundAt, err := s.node.RefundAvailableAt(id)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderResult(order, refundAt))
}

func (s *Server) handleEscrowConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	cfg, err := s.node.LedgerConfig()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, configResult(cfg))
}
