// Package credentials resolves a tax-portal credentials identifier to
// its decrypted secret value for requests that did not supply one
// inline. Uses the same AES-GCM
// manager: the master key normalization and nonce-prefixed ciphertext
// layout are kept verbatim; the Supabase-backed repository is replaced
// by an environment-variable lookup, since concrete credential-store
// persistence is a collaborator out of this core's scope.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
)

// MasterKeyEnv is the environment variable carrying the AES-256 key
// (64 hex characters; a literal 32-byte passphrase only in development
// mode) used to decrypt stored secrets.
const MasterKeyEnv = "CREDENTIAL_ENCRYPTION_KEY"

// EnvResolver resolves a credentials identifier by reading
// CREDENTIAL_<id>, base64-decoding it, and decrypting the
// nonce-prefixed AES-GCM ciphertext with the master key. A missing
// environment variable is kinds.ErrCredentialNotFound; any other
// failure (malformed ciphertext, bad key) is a distinct error the
// application service classifies as credential-unavailable rather than
// not-found.
type EnvResolver struct {
	aead cipher.AEAD
}

// NewEnvResolver builds an EnvResolver from the raw master key material
// (64 hex characters, or in development mode a literal 32-byte
// passphrase).
func NewEnvResolver(rawKey string, devMode bool) (*EnvResolver, error) {
	key, err := normalizeMasterKey(rawKey, devMode)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return &EnvResolver{aead: aead}, nil
}

// Resolve implements kinds.CredentialResolver.
func (r *EnvResolver) Resolve(ctx context.Context, credentialsID string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(envKey(credentialsID)))
	if raw == "" {
		return "", kinds.ErrCredentialNotFound
	}

	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("credentials: malformed ciphertext for %q: %w", credentialsID, err)
	}
	if len(blob) < 13 {
		return "", fmt.Errorf("credentials: ciphertext for %q too short", credentialsID)
	}

	nonce, ciphertext := blob[:12], blob[12:]
	plain, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decryption failed for %q: %w", credentialsID, err)
	}
	return string(plain), nil
}

// Encrypt seals value with a fresh random nonce and base64-encodes the
// nonce-prefixed ciphertext, the inverse of Resolve's decoding: its
// output is the value a CREDENTIAL_<id> variable carries.
func (r *EnvResolver) Encrypt(value string) (string, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := r.aead.Seal(nil, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func envKey(credentialsID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, credentialsID)
	return "CREDENTIAL_" + strings.ToUpper(sanitized)
}

func normalizeMasterKey(raw string, devMode bool) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("credentials: %s is required", MasterKeyEnv)
	}

	if isHex(trimmed) {
		if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}

	if len(trimmed) == 32 {
		if !devMode {
			return nil, fmt.Errorf("credentials: %s must be 64 hex chars outside dev mode", MasterKeyEnv)
		}
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("credentials: %s must be 64 hex chars (or a 32-byte passphrase in dev mode)", MasterKeyEnv)
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
