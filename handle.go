package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2s"
)

// A transaction handle is a 74-character token that packs the 64-char hex
// SHA-256 of the canonical transaction record together with the 10-digit
// Unix-seconds creation time. The digits are scrambled by a fixed
// permutation and woven into the hash at fixed positions, so the handle is
// both routable (the timestamp selects the month partition) and verifiable
// (the hash binds the record contents).
//
// The three tables below are wire format. Changing any of them would break
// every persisted handle.
var (
	tsPerm     = [10]int{5, 0, 1, 8, 4, 6, 2, 3, 9, 7}
	insertPos  = [10]int{7, 13, 15, 19, 25, 31, 34, 41, 69, 72}
	extractPos = [10]int{7, 12, 13, 16, 21, 26, 28, 34, 61, 63}
)

const (
	handleLen      = 74
	contentHashLen = 64
	// accountHashRotation is the left-rotation applied to the hex digest
	// before it is stored on the account row.
	accountHashRotation = 20
)

// buildHandle weaves a 10-digit timestamp into a 64-char content hash.
func buildHandle(contentHash string, createAt int64) (string, error) {
	if len(contentHash) != contentHashLen {
		return "", fmt.Errorf("content hash must be %d chars, got %d", contentHashLen, len(contentHash))
	}
	digits := fmt.Sprintf("%010d", createAt)
	if len(digits) != 10 || createAt < 0 {
		return "", fmt.Errorf("timestamp %d does not fit in 10 digits", createAt)
	}

	var scrambled [10]byte
	for i := 0; i < 10; i++ {
		scrambled[i] = digits[tsPerm[i]]
	}

	list := make([]byte, 0, handleLen)
	list = append(list, contentHash...)
	for i := 0; i < 10; i++ {
		pos := insertPos[i]
		list = append(list, 0)
		copy(list[pos+1:], list[pos:])
		list[pos] = scrambled[i]
	}
	return string(list), nil
}

// parseHandle recovers the content hash and timestamp from a handle.
func parseHandle(handle string) (contentHash string, createAt int64, err error) {
	if len(handle) != handleLen {
		return "", 0, fmt.Errorf("handle must be %d chars, got %d", handleLen, len(handle))
	}

	list := []byte(handle)
	var scrambled [10]byte
	for i := 0; i < 10; i++ {
		pos := extractPos[i]
		scrambled[i] = list[pos]
		list = append(list[:pos], list[pos+1:]...)
	}

	var digits [10]byte
	for i := 0; i < 10; i++ {
		digits[tsPerm[i]] = scrambled[i]
	}
	ts, err := strconv.ParseInt(string(digits[:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("handle carries non-numeric timestamp: %w", err)
	}
	return string(list), ts, nil
}

// contentHashOf returns the lowercase hex SHA-256 of canonical record bytes.
func contentHashOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// accountDigest computes the rotated BLAKE2s-256 integrity digest stored on
// an account row.
func accountDigest(row *AccountRow) (string, error) {
	canonical, err := canonicalAccount(row)
	if err != nil {
		return "", fmt.Errorf("canonicalize account %s: %w", row.Address, err)
	}
	sum := blake2s.Sum256(canonical)
	d := hex.EncodeToString(sum[:])
	return d[accountHashRotation:] + d[:accountHashRotation], nil
}

// verifyAccountDigest reports whether stored matches the digest recomputed
// from the row's non-temporal fields.
func verifyAccountDigest(row *AccountRow, stored string) (bool, error) {
	if len(stored) != contentHashLen {
		return false, nil
	}
	want, err := accountDigest(row)
	if err != nil {
		return false, err
	}
	return want == stored, nil
}
