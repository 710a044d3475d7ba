package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	yearPattern  = regexp.MustCompile(`^\d{4}$`)
	monthPattern = regexp.MustCompile(`^\d{2}$`)
)

// VaultStore persists large binary payloads as age/x25519-encrypted
// files under {root}/{YYYY}/{MM}/{uuid}.age. Files are encrypted to one
// fixed server recipient rather than the per-record DEK scheme: blobs
// are bulk payloads, not searchable records. The store is conceptually
// append-only; deletion exists for legal erasure requests and is logged
// as the exception it is.
type VaultStore struct {
	root      string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	log       zerolog.Logger
}

// NewVaultStore creates the vault root if needed. root is made absolute
// so path containment checks have a fixed anchor.
func NewVaultStore(root string, identity *age.X25519Identity) (*VaultStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &VaultStore{
		root:      abs,
		identity:  identity,
		recipient: identity.Recipient(),
		log:       log.With().Str("component", "vault_store").Logger(),
	}, nil
}

// Root returns the absolute vault root directory.
func (v *VaultStore) Root() string {
	return v.root
}

// Store encrypts plaintext and writes it under year/month, returning
// the relative path and the hex SHA-256 of the plaintext. The hash is
// what integrity-verified retrievals later check against. Year and
// month are validated before any filesystem work.
func (v *VaultStore) Store(plaintext []byte, year, month, id string) (string, string, error) {
	if !yearPattern.MatchString(year) {
		return "", "", fmt.Errorf("year must be 4 digits, got %q", year)
	}
	if !monthPattern.MatchString(month) {
		return "", "", fmt.Errorf("month must be 2 digits, got %q", month)
	}
	if id == "" {
		id = uuid.New().String()
	}

	contentHash := sha256Hex(plaintext)
	relPath := filepath.Join(year, month, id+".age")
	absPath, err := v.resolve(relPath)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return "", "", fmt.Errorf("create vault directory: %w", err)
	}
	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("create vault file: %w", err)
	}
	defer f.Close()

	w, err := age.Encrypt(f, v.recipient)
	if err != nil {
		return "", "", fmt.Errorf("start encryption: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", "", fmt.Errorf("write vault file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", fmt.Errorf("finalize vault file: %w", err)
	}

	v.log.Debug().Str("path", relPath).Int("plaintext_bytes", len(plaintext)).Msg("Blob stored")
	return relPath, contentHash, nil
}

// Retrieve decrypts the blob at relPath. The resolved path is checked
// against the vault root before any filesystem access, independent of
// whatever validation higher layers did.
func (v *VaultStore) Retrieve(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open vault file: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, v.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt vault file: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	return plaintext, nil
}

// RetrieveVerified decrypts the blob and checks its plaintext hash
// against expectedHash, failing with ErrIntegrityMismatch on any
// disagreement - including ciphertext corruption that breaks
// decryption. Content that fails verification is never returned. Used
// on original-content paths; callers retrieving preserved copies whose
// bytes differ from the original by design use Retrieve instead.
func (v *VaultStore) RetrieveVerified(relPath, expectedHash string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open vault file: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, v.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if sha256Hex(plaintext) != expectedHash {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityMismatch, relPath)
	}
	return plaintext, nil
}

// VerifyIntegrity reports whether the blob's plaintext hash matches
// expectedHash. Decryption failure counts as a mismatch.
func (v *VaultStore) VerifyIntegrity(relPath, expectedHash string) (bool, error) {
	if _, err := v.RetrieveVerified(relPath, expectedHash); err != nil {
		if errors.Is(err, ErrIntegrityMismatch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists reports whether a blob is present at relPath.
func (v *VaultStore) Exists(relPath string) bool {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(absPath)
	return err == nil
}

// Delete removes a blob. The store is conceptually immutable, so every
// deletion is logged at warning level.
func (v *VaultStore) Delete(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil {
		return fmt.Errorf("delete vault file: %w", err)
	}
	v.log.Warn().Str("path", relPath).Msg("Vault blob deleted")
	return nil
}

// EncryptedSize returns the on-disk size of the encrypted blob.
func (v *VaultStore) EncryptedSize(relPath string) (int64, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, fmt.Errorf("stat vault file: %w", err)
	}
	return info.Size(), nil
}

// resolve maps a relative path to an absolute one, rejecting anything
// that escapes the vault root.
func (v *VaultStore) resolve(relPath string) (string, error) {
	absPath, err := filepath.Abs(filepath.Join(v.root, relPath))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relPath)
	}
	rel, err := filepath.Rel(v.root, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relPath)
	}
	return absPath, nil
}

// LoadOrCreateIdentity reads the server's age identity from path,
// generating and persisting a new one on first run.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse vault identity: %w", err)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault identity: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate vault identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write vault identity: %w", err)
	}
	log.Info().Str("path", path).Msg("Generated new vault identity")
	return identity, nil
}
