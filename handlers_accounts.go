package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const maxAssetLen = 20

// Handlers wires the HTTP surface to the account service and the transfer
// engine. Logical failures are answered with HTTP 200 and a {code, message}
// body; only transport-level problems use real error statuses.
type Handlers struct {
	accounts *AccountService
	engine   *Engine
	appName  string
}

func NewHandlers(accounts *AccountService, engine *Engine, appName string) *Handlers {
	return &Handlers{accounts: accounts, engine: engine, appName: appName}
}

func (h *Handlers) Register(r *mux.Router) {
	api := r.PathPrefix("/ams/v1").Subrouter()

	api.HandleFunc("/accounts/", h.HandleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{address}", h.HandleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/asset", h.HandleTrustAssets).Methods("POST")
	api.HandleFunc("/accounts/{address}/sequence", h.HandleGetSequence).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances", h.HandleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/transactions", h.HandleListTransactions).Methods("GET")

	api.HandleFunc("/transactions/hash", h.HandleBuildHash).Methods("POST")
	api.HandleFunc("/transactions/", h.HandleSubmitTransfer).Methods("POST")
	api.HandleFunc("/transactions/bulk/hash", h.HandleBuildBulkHash).Methods("POST")
	api.HandleFunc("/transactions/bulk", h.HandleSubmitBulk).Methods("POST")
	api.HandleFunc("/transactions/{handle}", h.HandleGetTransaction).Methods("GET")

	api.HandleFunc("/faucet/", h.HandleFaucet).Methods("POST")

	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// respondFailure maps err to the {code, message} body. Logical errors keep
// their code; anything else is logged and answered as an internal error,
// still behind HTTP 200 per the handler policy.
func respondFailure(w http.ResponseWriter, err error) {
	if ae, ok := asAPIError(err); ok {
		respondJSON(w, http.StatusOK, ae)
		return
	}
	log.Printf("Error: internal failure: %v", err)
	respondJSON(w, http.StatusOK, &apiError{Code: http.StatusInternalServerError, Message: "internal error"})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": h.appName,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleCreateAccount generates a new account. This is the only response
// that ever carries the plaintext secret.
func (h *Handlers) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	acc, secret, err := h.accounts.Create(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	out := accountToJSON(acc)
	out.Secret = secret
	if acc.Mnemonic != nil {
		out.Mnemonic = *acc.Mnemonic
	}
	respondJSON(w, http.StatusCreated, out)
}

func (h *Handlers) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	acc, err := h.accounts.Get(r.Context(), address)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountToJSON(acc))
}

// HandleTrustAssets appends trust lines. The form field asset carries one
// or more asset codes separated by commas.
func (h *Handlers) HandleTrustAssets(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		respondFailure(w, errTxnBuildFailed("malformed form body"))
		return
	}
	assets, err := parseAssetCSV(r.PostFormValue("asset"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	acc, err := h.accounts.TrustAssets(r.Context(), address, assets)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountToJSON(acc))
}

func (h *Handlers) HandleGetSequence(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	acc, err := h.accounts.Get(r.Context(), address)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"address":  acc.Address,
		"sequence": acc.Sequence,
	})
}

func (h *Handlers) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		respondFailure(w, err)
		return
	}
	acc, err := h.accounts.Get(r.Context(), address)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"address":  acc.Address,
		"balances": accountToJSON(acc).Balances,
	})
}

// HandleListTransactions pages through an account's history. Query params:
// limit (default 30, max 100), cursor (handle to start after), order
// (ASC or DESC, default DESC).
func (h *Handlers) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r)
	if err != nil {
		respondFailure(w, err)
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondFailure(w, errTxnBuildFailed("limit must be a non-negative integer"))
			return
		}
	}
	ascending := false
	switch strings.ToUpper(query.Get("order")) {
	case "", "DESC":
	case "ASC":
		ascending = true
	default:
		respondFailure(w, errTxnBuildFailed("order must be ASC or DESC"))
		return
	}

	rows, err := h.accounts.Transactions(r.Context(), address, query.Get("cursor"), limit, ascending)
	if err != nil {
		respondFailure(w, err)
		return
	}

	out := make([]transactionJSON, len(rows))
	for i, row := range rows {
		out[i] = transactionToJSON(row)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"address":      address,
		"transactions": out,
	})
}

func pathAddress(r *http.Request) (string, error) {
	address := mux.Vars(r)["address"]
	if !validAddress(address) {
		return "", errAddressNotFound(address)
	}
	return address, nil
}

func parseAssetCSV(raw string) ([]string, error) {
	var assets []string
	for _, part := range strings.Split(raw, ",") {
		asset := strings.TrimSpace(part)
		if asset == "" {
			continue
		}
		if len(asset) > maxAssetLen {
			return nil, errTxnBuildFailed("asset code too long: " + asset)
		}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		return nil, errTxnBuildFailed("asset is required")
	}
	return assets, nil
}
