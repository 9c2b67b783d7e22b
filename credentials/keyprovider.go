package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// EnvEncryptionKey overrides the keyring when set. The value is the
// hex-encoded 32-byte key; CI and headless hosts use this.
const EnvEncryptionKey = "ROSTERSYNC_ENCRYPTION_KEY"

const (
	// keyringService and keyringUser locate the key in the system keyring.
	keyringService = "rostersync"
	keyringUser    = "encryption-key"

	// keyLength is 32 bytes for AES-256-GCM.
	keyLength = 32

	// saltLength for Argon2id passphrase derivation.
	saltLength = 16
)

// Argon2id parameters for passphrase derivation.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// ErrKeyringUnavailable indicates the system keyring cannot be reached.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider supplies the store's encryption key.
type KeyProvider interface {
	// GetKey returns the 32-byte key, creating one first if the backing
	// store supports that.
	GetKey() ([]byte, error)

	// Description names where the key lives, for display.
	Description() string
}

// GetDefaultKeyProvider picks the key source for this environment:
// the ROSTERSYNC_ENCRYPTION_KEY variable when set, the system keyring
// otherwise. Keyring failures are surfaced with the env-var escape hatch
// in the message; passphrase derivation stays available to callers that
// construct it explicitly.
func GetDefaultKeyProvider() (KeyProvider, error) {
	if os.Getenv(EnvEncryptionKey) != "" {
		return NewEnvKeyProvider(EnvEncryptionKey), nil
	}

	provider := NewKeyringKeyProvider()
	if _, err := provider.GetKey(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("%w; set %s to a hex-encoded 32-byte key", err, EnvEncryptionKey)
		}
		return nil, err
	}
	return provider, nil
}

// KeyringKeyProvider keeps the key in the OS keyring (macOS Keychain,
// Windows Credential Manager, Secret Service on Linux). The first GetKey
// on a host mints the key.
type KeyringKeyProvider struct {
	mu sync.Mutex
}

// NewKeyringKeyProvider creates a keyring-backed provider.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

// GetKey returns the stored key, minting and storing a fresh one when the
// keyring has none. A stored value that does not decode to 32 bytes is
// replaced rather than returned.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		if key, decErr := hex.DecodeString(stored); decErr == nil && len(key) == keyLength {
			return key, nil
		}
	} else if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	return p.mintKey()
}

// mintKey creates a random key and stores it. Caller holds p.mu.
func (p *KeyringKeyProvider) mintKey() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "system keyring (Secret Service)"
	}
}

// EnvKeyProvider reads a hex-encoded key from an environment variable.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a provider reading the named variable.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// GetKey decodes the variable's value and enforces the 32-byte length.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	raw := os.Getenv(p.envVar)
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s not set", p.envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", p.envVar, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key in %s must be %d bytes, got %d", p.envVar, keyLength, len(key))
	}
	return key, nil
}

func (p *EnvKeyProvider) Description() string {
	return fmt.Sprintf("environment variable (%s)", p.envVar)
}

// PassphraseKeyProvider derives the key from a passphrase with Argon2id.
// The fallback for hosts with neither keyring nor env key; the salt is
// stored next to the encrypted file.
type PassphraseKeyProvider struct {
	passphrase string
	salt       []byte
}

// NewPassphraseKeyProvider creates a passphrase-derived provider.
func NewPassphraseKeyProvider(passphrase string, salt []byte) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase, salt: salt}
}

// GetKey derives the key. The same passphrase and salt always yield the
// same key.
func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	if p.passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if len(p.salt) == 0 {
		return nil, errors.New("salt is required")
	}
	return argon2.IDKey([]byte(p.passphrase), p.salt, argon2Time, argon2Memory, argon2Threads, keyLength), nil
}

func (p *PassphraseKeyProvider) Description() string {
	return "passphrase-derived key (Argon2id)"
}

// GenerateSalt returns a fresh random salt for passphrase derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}
