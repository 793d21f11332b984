package rpc

import (
	"net/http"
	"strings"

	"credify/core/types"
)

func (s *Server) handleSendTransaction(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var tx types.Transaction
	if err := decodeParam(req, 0, &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return
	}
	receipt, err := s.node.SubmitTransaction(&tx)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var hash string
	if err := decodeParam(req, 0, &hash); err != nil || strings.TrimSpace(hash) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction hash required", nil)
		return
	}
	receipt, err := s.node.Receipt(strings.TrimSpace(hash))
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, err := parseAddressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address required", err.Error())
		return
	}
	nonce, err := s.node.Nonce(addr)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, NonceResult{Address: addr.Hex(), Nonce: nonce})
}

func (s *Server) handleEventsSince(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var query EventsQuery
	if len(req.Params) > 0 {
		if err := decodeParam(req, 0, &query); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid events query", err.Error())
			return
		}
	}
	events, err := s.node.EventsSince(query.After, query.Limit)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	next := query.After
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	writeResult(w, req.ID, EventsResult{Events: events, Next: next})
}

func (s *Server) handleBalanceOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, err := parseAddressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address required", err.Error())
		return
	}
	balance, err := s.node.BalanceOf(addr)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: addr.Hex(), Balance: balance.String()})
}

func (s *Server) handleAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	owner, err := parseAddressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "owner address required", err.Error())
		return
	}
	spender, err := parseAddressParam(req, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "spender address required", err.Error())
		return
	}
	allowance, err := s.node.Allowance(owner, spender)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AllowanceResult{Owner: owner.Hex(), Spender: spender.Hex(), Allowance: allowance.String()})
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	supply, err := s.node.TotalSupply()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SupplyResult{TotalSupply: supply.String()})
}

func (s *Server) handleIsVendor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, err := parseAddressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address required", err.Error())
		return
	}
	ok, err := s.node.IsVendor(addr)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, VendorResult{Address: addr.Hex(), Authorized: ok})
}
