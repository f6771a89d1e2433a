package main

import (
	"errors"
	"fmt"
)

// Logical status codes returned in the response body. The HTTP layer always
// answers 200; these codes convey the outcome.
const (
	codeAddressNotFound   = 40001
	codeAssetNotTrusted   = 40002
	codeTxnNotFound       = 40003
	codeTxnBuildFailed    = 40005
	codeTxnExpired        = 40006
	codeInsufficientFunds = 40007
	codeTxnSendFailed     = 40008
	codeTxnSelfTransfer   = 40009
	codeBulkLockFailed    = 40010
	codeInvalidTxn        = 40011
	codeInvalidAccount    = 40012
)

// apiError is a logical failure surfaced to API clients as {code, message}.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func errAddressNotFound(addr string) error {
	return &apiError{Code: codeAddressNotFound, Message: fmt.Sprintf("Address %s not found", addr)}
}

func errAssetNotTrusted(addr, asset string) error {
	return &apiError{Code: codeAssetNotTrusted, Message: fmt.Sprintf("Account %s's Asset %s not trusted", addr, asset)}
}

func errTxnNotFound(hash string) error {
	return &apiError{Code: codeTxnNotFound, Message: fmt.Sprintf("Transaction %s not found", hash)}
}

func errTxnBuildFailed(detail string) error {
	return &apiError{Code: codeTxnBuildFailed, Message: fmt.Sprintf("Transaction build failed: %s", detail)}
}

func errTxnExpired(createAt int64) error {
	return &apiError{Code: codeTxnExpired, Message: fmt.Sprintf("Transaction Expired: create_at=%d", createAt)}
}

func errInsufficientFunds(addr, amount string) error {
	return &apiError{Code: codeInsufficientFunds, Message: fmt.Sprintf("Insufficient Funds for amount %s of %s", amount, addr)}
}

func errTxnSendFailed(detail string) error {
	return &apiError{Code: codeTxnSendFailed, Message: fmt.Sprintf("Transaction send failed: %s", detail)}
}

func errTxnSelfTransfer(addr string) error {
	return &apiError{Code: codeTxnSelfTransfer, Message: fmt.Sprintf("Cannot transfer to self %s", addr)}
}

func errBulkFromMissing(addr string) error {
	return &apiError{Code: codeTxnSelfTransfer, Message: fmt.Sprintf("Op must contain from address %s", addr)}
}

func errBulkLockFailed(addr string) error {
	return &apiError{Code: codeBulkLockFailed, Message: fmt.Sprintf("Lock from address failed: %s", addr)}
}

func errInvalidTransaction(hash string) error {
	return &apiError{Code: codeInvalidTxn, Message: fmt.Sprintf("Invalid Transaction: %s", hash)}
}

func errInvalidAccount(addr string) error {
	return &apiError{Code: codeInvalidAccount, Message: fmt.Sprintf("Invalid Account: %s", addr)}
}

// asAPIError unwraps err to an *apiError if one is in its chain.
func asAPIError(err error) (*apiError, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// errorCode reports the logical code carried by err, or 0 for unknown errors.
func errorCode(err error) int {
	if ae, ok := asAPIError(err); ok {
		return ae.Code
	}
	return 0
}
