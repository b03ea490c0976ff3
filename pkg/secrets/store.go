// Package secrets seals provider API credentials at rest.
//
// Values are encrypted with AES-256-GCM under a key generated on first
// use and stored next to the data directory. When the key file cannot
// be created or read, the store degrades to a reversible base64
// encoding that is obfuscation only, not a security boundary. The two
// forms carry distinct tags so they are never confused on open.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	// KeyFileName is the key file created under the data directory
	KeyFileName = ".secrets.key"

	// EncPrefix tags values sealed with AES-256-GCM
	EncPrefix = "enc:v1:"

	// ObfPrefix tags values stored with the reversible fallback
	// encoding. Explicitly not encryption.
	ObfPrefix = "obf:v1:"
)

var (
	// ErrNotSealed is returned when opening a value that carries no
	// known tag
	ErrNotSealed = errors.New("secrets: value is not sealed")

	// ErrUndecryptable is returned when a sealed value cannot be
	// recovered with the current key
	ErrUndecryptable = errors.New("secrets: cannot decrypt value")
)

// Store seals and opens credential values
type Store struct {
	key      []byte // nil when running in fallback mode
	keyPath  string
	fallback bool
	logger   zerolog.Logger
}

// Config holds secret store configuration
type Config struct {
	DataDir string
	Logger  zerolog.Logger
}

// NewStore creates a secret store, generating an encryption key on
// first use. A key that cannot be created or read drops the store into
// fallback mode rather than failing startup.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("secrets: data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("secrets: create data directory: %w", err)
	}

	keyPath := filepath.Join(cfg.DataDir, KeyFileName)

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		cfg.Logger.Warn().
			Err(err).
			Str("path", keyPath).
			Msg("Encryption key unavailable, falling back to obfuscation (NOT a security boundary)")
		return &Store{keyPath: keyPath, fallback: true, logger: cfg.Logger}, nil
	}

	return &Store{key: key, keyPath: keyPath, logger: cfg.Logger}, nil
}

// Fallback reports whether the store is running without real
// encryption
func (s *Store) Fallback() bool {
	return s.fallback
}

// IsSealed reports whether a value carries one of the sealed tags
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EncPrefix) || strings.HasPrefix(value, ObfPrefix)
}

// Seal encrypts plaintext and returns a tagged value. Empty input
// seals to empty.
func (s *Store) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if s.fallback {
		return ObfPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open recovers plaintext from a sealed value. An enc-tagged value is
// never interpreted through the fallback path, and vice versa.
func (s *Store) Open(sealed string) (string, error) {
	switch {
	case sealed == "":
		return "", nil

	case strings.HasPrefix(sealed, ObfPrefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, ObfPrefix))
		if err != nil {
			return "", fmt.Errorf("secrets: decode obfuscated value: %w", err)
		}
		return string(raw), nil

	case strings.HasPrefix(sealed, EncPrefix):
		if s.key == nil {
			return "", fmt.Errorf("%w: no encryption key loaded", ErrUndecryptable)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, EncPrefix))
		if err != nil {
			return "", fmt.Errorf("secrets: decode sealed value: %w", err)
		}

		block, err := aes.NewCipher(s.key)
		if err != nil {
			return "", fmt.Errorf("secrets: init cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("secrets: init gcm: %w", err)
		}
		if len(raw) < gcm.NonceSize() {
			return "", ErrUndecryptable
		}

		nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		return string(plaintext), nil

	default:
		return "", ErrNotSealed
	}
}

// loadOrCreateKey reads the key file, creating it atomically when
// missing. The temp-file plus hard-link dance guarantees exactly one
// process wins a concurrent first start.
func loadOrCreateKey(keyPath string) ([]byte, error) {
	if key, err := loadKey(keyPath); err != nil {
		return nil, err
	} else if key != nil {
		return key, nil
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(keyPath), KeyFileName+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create key temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write key temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("chmod key temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close key temp file: %w", err)
	}

	if err := os.Link(tmpPath, keyPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			// Another process created the key first; use theirs.
			raceKey, loadErr := loadKey(keyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			if raceKey == nil {
				return nil, fmt.Errorf("key at %s vanished after creation race", keyPath)
			}
			return raceKey, nil
		}
		return nil, fmt.Errorf("link key file: %w", err)
	}
	os.Remove(tmpPath)

	return key, nil
}

// loadKey returns nil, nil when the key file does not exist yet
func loadKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("key file %s has invalid size %d (expected %d)", keyPath, len(data), KeySize)
	}
	return data, nil
}
