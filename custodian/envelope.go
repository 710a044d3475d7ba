package main

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Envelope algorithm identifiers. Decryption consults the supported set
// before touching key material, so a future algorithm migration can add
// entries here without corrupting history.
const (
	EnvelopeAlgorithm = "aes-256-gcm"
	EnvelopeVersion   = 1
)

var supportedEnvelopes = map[string]bool{
	envelopeKey(EnvelopeAlgorithm, EnvelopeVersion): true,
}

func envelopeKey(algorithm string, version int) string {
	return fmt.Sprintf("%s/%d", algorithm, version)
}

// Envelope is the persisted form of an encrypted record: the ciphertext
// and its own wrapped data-encryption key, both hex strings of
// nonce || ciphertext || tag.
type Envelope struct {
	Ciphertext   string `json:"ciphertext"`
	EncryptedDEK string `json:"encrypted_dek"`
	Algorithm    string `json:"algorithm"`
	Version      int    `json:"version"`
}

// EncryptionService performs envelope encryption and blind-index token
// generation for one authenticated session. It holds only sub-keys
// derived from the master key; the master key itself is never retained.
type EncryptionService struct {
	kek        []byte
	searchKey  []byte
	signingKey []byte
}

// Sub-key derivation labels. Changing a label orphans everything
// encrypted or indexed under it.
const (
	subkeyLabelKEK     = "kek"
	subkeyLabelSearch  = "search"
	subkeyLabelHistory = "history"
)

// NewEncryptionService derives the KEK, search, and history-signing
// sub-keys from the master key. The caller keeps custody of masterKey;
// this service does not.
func NewEncryptionService(masterKey []byte) (*EncryptionService, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	kek, err := deriveSubkey(masterKey, subkeyLabelKEK, 32)
	if err != nil {
		return nil, err
	}
	searchKey, err := deriveSubkey(masterKey, subkeyLabelSearch, 32)
	if err != nil {
		return nil, err
	}
	signingKey, err := deriveSubkey(masterKey, subkeyLabelHistory, 32)
	if err != nil {
		return nil, err
	}
	return &EncryptionService{kek: kek, searchKey: searchKey, signingKey: signingKey}, nil
}

// Encrypt seals plaintext under a fresh per-record DEK and wraps the DEK
// under the KEK. Compromise of one record's DEK exposes nothing else.
func (s *EncryptionService) Encrypt(plaintext []byte) (*Envelope, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("dek generation: %w", err)
	}
	defer zeroBytes(dek)

	ciphertext, err := aeadEncrypt(dek, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	wrappedDEK, err := aeadEncrypt(s.kek, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap dek: %w", err)
	}

	return &Envelope{
		Ciphertext:   hex.EncodeToString(ciphertext),
		EncryptedDEK: hex.EncodeToString(wrappedDEK),
		Algorithm:    EnvelopeAlgorithm,
		Version:      EnvelopeVersion,
	}, nil
}

// Decrypt validates the envelope's algorithm/version against the
// supported set, unwraps the DEK, and decrypts. An unknown pair fails
// with ErrUnsupportedEnvelope before any cryptographic work; an AEAD tag
// failure propagates and is never swallowed.
func (s *EncryptionService) Decrypt(env *Envelope) ([]byte, error) {
	if !supportedEnvelopes[envelopeKey(env.Algorithm, env.Version)] {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnsupportedEnvelope, env.Algorithm, env.Version)
	}

	wrappedDEK, err := hex.DecodeString(env.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("malformed encrypted dek: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}

	dek, err := aeadDecrypt(s.kek, wrappedDEK, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer zeroBytes(dek)

	plaintext, err := aeadDecrypt(dek, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt record: %w", err)
	}
	return plaintext, nil
}

// BlindIndexToken maps a keyword to a deterministic keyed token. The
// server can match tokens for equality search without learning the
// keyword; without the master key the index cannot be enumerated.
func (s *EncryptionService) BlindIndexToken(keyword string) string {
	normalized := strings.ToLower(strings.TrimSpace(keyword))
	return hmacHex(s.searchKey, []byte(normalized))
}

// Tokenize splits text into indexable keywords and returns their blind
// index tokens: whitespace-split, non-word runes stripped, tokens
// shorter than 3 runes dropped, duplicates removed. This bounds the
// index's false-positive surface and keeps noise tokens out.
func (s *EncryptionService) Tokenize(text string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, field := range strings.Fields(text) {
		word := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
				return r
			}
			return -1
		}, strings.ToLower(field))
		if len([]rune(word)) < 3 || seen[word] {
			continue
		}
		seen[word] = true
		tokens = append(tokens, s.BlindIndexToken(word))
	}
	return tokens
}

// SignGrant returns hex(HMAC) of payload under the history-signing
// sub-key. Used to bind heir access grants to the reconstructed key.
func (s *EncryptionService) SignGrant(payload []byte) string {
	return hmacHex(s.signingKey, payload)
}

// VerifyGrant checks a grant signature in constant time.
func (s *EncryptionService) VerifyGrant(payload []byte, signature string) bool {
	return hmac.Equal([]byte(s.SignGrant(payload)), []byte(signature))
}
