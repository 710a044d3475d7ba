package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for master key derivation. Fixed: the same
// passphrase and salt must derive the same key across login, share
// splitting, and recovery.
const (
	Argon2idTime    = 3
	Argon2idMemory  = 64 * 1024 // 64 MiB
	Argon2idThreads = 1
	Argon2idKeyLen  = 32
)

const (
	MasterKeySize = 32
	SaltSize      = 32
	nonceSize     = 12
	tagSize       = 16
)

// deriveMasterKey stretches a passphrase into a 32-byte master key.
// Deterministic for identical inputs and expensive by design: a leaked
// verifier row plus salt must not admit a cheap offline brute force.
func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen)
}

// deriveSubkey expands the master key into an independent purpose-scoped
// sub-key via HKDF-SHA256. No salt: the input is already high entropy.
// The info label ("kek", "search", ...) separates purposes.
func deriveSubkey(master []byte, info string, length int) ([]byte, error) {
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hkdf expand for %q: %w", info, err)
	}
	return key, nil
}

// aeadEncrypt seals plaintext with AES-256-GCM under a fresh random
// 96-bit nonce. Output framing is nonce || ciphertext || tag.
func aeadEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// aeadDecrypt opens nonce || ciphertext || tag. It fails closed: a tag
// mismatch returns an error and never partial plaintext.
func aeadDecrypt(key, data, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < nonceSize+tagSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm, nil
}

// hmacHex returns hex(HMAC-SHA256(key, data)).
func hmacHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// sha256Hex returns hex(SHA-256(data)).
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	return salt, nil
}

// generateToken returns length random bytes hex-encoded.
func generateToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// zeroBytes overwrites b with zeros. The KeepAlive reference keeps the
// compiler from eliding the writes as dead stores: the contract is that
// the byte pattern that held key material is no longer readable from
// that memory region.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// timingSafeEqual performs a constant-time comparison of two byte slices
func timingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}
