package main

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/stellar/go/keypair"
)

// Account secrets are stored AES-CBC encrypted with PKCS#7 padding. The
// base64 key and IV are loaded once from the configured file paths and
// memoized for the life of the process.

type secretCipher struct {
	key []byte
	iv  []byte
}

var (
	cipherOnce sync.Once
	cipherVal  *secretCipher
	cipherErr  error
)

// loadSecretCipher reads and decodes the key and IV files. Subsequent calls
// return the memoized result.
func loadSecretCipher(keyPath, ivPath string) (*secretCipher, error) {
	cipherOnce.Do(func() {
		cipherVal, cipherErr = readSecretCipher(keyPath, ivPath)
	})
	return cipherVal, cipherErr
}

func readSecretCipher(keyPath, ivPath string) (*secretCipher, error) {
	rawKey, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read AES key: %w", err)
	}
	rawIV, err := os.ReadFile(ivPath)
	if err != nil {
		return nil, fmt.Errorf("read AES iv: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(rawKey)))
	if err != nil {
		return nil, fmt.Errorf("decode AES key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(rawIV)))
	if err != nil {
		return nil, fmt.Errorf("decode AES iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("AES iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &secretCipher{key: key, iv: iv}, nil
}

// Encrypt encrypts plaintext and returns base64 ciphertext.
func (c *secretCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init AES cipher: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *secretCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init AES cipher: %w", err)
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a block multiple", len(raw))
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, raw)
	return string(pkcs7Unpad(out, block.BlockSize())), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return data
	}
	return data[:len(data)-pad]
}

// validAddress reports whether addr is a well-formed 56-char public key.
func validAddress(addr string) bool {
	if len(addr) != 56 {
		return false
	}
	_, err := keypair.ParseAddress(addr)
	return err == nil
}

// randomKeypair generates a fresh keypair for account creation. The
// recovery mnemonic is not derived here; the column stays null.
func randomKeypair() (address, secret string, err error) {
	full, err := keypair.Random()
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return full.Address(), full.Seed(), nil
}
