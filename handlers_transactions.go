package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const maxMemoLen = 64

// HandleBuildHash computes the handle for a single transfer without
// touching state. When the form carries a hash it is verified instead.
func (h *Handlers) HandleBuildHash(w http.ResponseWriter, r *http.Request) {
	req, err := parseTransferForm(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if req.From == req.To {
		respondFailure(w, errTxnSelfTransfer(req.From))
		return
	}
	handle, _, err := h.engine.SingleHandle(req.Asset, req.From, req.To, req.Amount, req.FromSequence, req.Handle)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hash": handle})
}

func (h *Handlers) HandleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	req, err := parseTransferForm(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	row, err := h.engine.SubmitTransfer(r.Context(), req)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionToJSON(row))
}

// HandleBuildBulkHash computes or verifies the handle for a bulk record
// without touching state.
func (h *Handlers) HandleBuildBulkHash(w http.ResponseWriter, r *http.Request) {
	req, err := parseBulkBody(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	handle, _, err := h.engine.BulkHandle(req.From, req.FromSequence, req.Op, req.Handle)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hash": handle})
}

func (h *Handlers) HandleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	req, err := parseBulkBody(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	row, err := h.engine.SubmitBulk(r.Context(), req)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionToJSON(row))
}

func (h *Handlers) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	row, err := h.accounts.GetTransaction(r.Context(), handle)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionToJSON(row))
}

// HandleFaucet mints asset to an address from the finance account. The
// finance sequence is read server-side; clients supply only to, asset and
// amount.
func (h *Handlers) HandleFaucet(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondFailure(w, errTxnBuildFailed("malformed form body"))
		return
	}
	to := r.PostFormValue("to")
	if !validAddress(to) {
		respondFailure(w, errAddressNotFound(to))
		return
	}
	asset := r.PostFormValue("asset")
	if asset == "" || len(asset) > maxAssetLen {
		respondFailure(w, errTxnBuildFailed("asset is required and at most 20 chars"))
		return
	}
	amount, err := parseAmount(r.PostFormValue("amount"))
	if err != nil {
		respondFailure(w, errTxnBuildFailed(err.Error()))
		return
	}

	row, err := h.engine.Faucet(r.Context(), to, asset, amount)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionToJSON(row))
}

// parseTransferForm validates the form-urlencoded single-transfer fields
// and normalizes the amount.
func parseTransferForm(r *http.Request) (TransferRequest, error) {
	var req TransferRequest
	if err := r.ParseForm(); err != nil {
		return req, errTxnBuildFailed("malformed form body")
	}

	req.From = r.PostFormValue("from")
	if !validAddress(req.From) {
		return req, errAddressNotFound(req.From)
	}
	req.To = r.PostFormValue("to")
	if !validAddress(req.To) {
		return req, errAddressNotFound(req.To)
	}

	req.Asset = r.PostFormValue("asset")
	if req.Asset == "" || len(req.Asset) > maxAssetLen {
		return req, errTxnBuildFailed("asset is required and at most 20 chars")
	}

	amount, err := parseAmount(r.PostFormValue("amount"))
	if err != nil {
		return req, errTxnBuildFailed(err.Error())
	}
	req.Amount = amount

	seq, err := strconv.ParseInt(r.PostFormValue("from_sequence"), 10, 64)
	if err != nil || seq < 0 {
		return req, errTxnBuildFailed("from_sequence must be a non-negative integer")
	}
	req.FromSequence = seq

	req.Memo = r.PostFormValue("memo")
	if len(req.Memo) > maxMemoLen {
		return req, errTxnBuildFailed("memo too long")
	}

	req.Handle = r.PostFormValue("hash")
	if req.Handle != "" && len(req.Handle) != handleLen {
		return req, errTxnBuildFailed("hash must be 74 chars")
	}
	return req, nil
}

// bulkBody is the JSON request shape for bulk submission.
type bulkBody struct {
	From         string    `json:"from"`
	FromSequence int64     `json:"from_sequence"`
	Op           []BulkLeg `json:"op"`
	Memo         string    `json:"memo"`
	Hash         string    `json:"hash"`
}

// parseBulkBody validates the JSON bulk fields and normalizes every leg
// amount.
func parseBulkBody(r *http.Request) (BulkRequest, error) {
	var req BulkRequest
	var body bulkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return req, errTxnBuildFailed("malformed json body")
	}

	if !validAddress(body.From) {
		return req, errAddressNotFound(body.From)
	}
	if body.FromSequence < 0 {
		return req, errTxnBuildFailed("from_sequence must be a non-negative integer")
	}
	if len(body.Memo) > maxMemoLen {
		return req, errTxnBuildFailed("memo too long")
	}
	if body.Hash != "" && len(body.Hash) != handleLen {
		return req, errTxnBuildFailed("hash must be 74 chars")
	}

	op := make([]BulkLeg, len(body.Op))
	for i, leg := range body.Op {
		if !validAddress(leg.From) {
			return req, errAddressNotFound(leg.From)
		}
		if !validAddress(leg.To) {
			return req, errAddressNotFound(leg.To)
		}
		if leg.Asset == "" || len(leg.Asset) > maxAssetLen {
			return req, errTxnBuildFailed("asset is required and at most 20 chars")
		}
		amount, err := parseAmount(leg.Amount)
		if err != nil {
			return req, errTxnBuildFailed(err.Error())
		}
		op[i] = BulkLeg{From: leg.From, To: leg.To, Asset: leg.Asset, Amount: amount}
	}

	req.From = body.From
	req.FromSequence = body.FromSequence
	req.Op = op
	req.Memo = body.Memo
	req.Handle = body.Hash
	return req, nil
}
