// Package credentials provides secure secret storage for the rostersync
// engine. It stores per-service API tokens in ~/.rostersync/credentials.yaml
// with encryption for sensitive data at rest.
//
// Encryption Key Storage:
// The encryption key is stored securely using the system keyring:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// For CI/testing environments, set ROSTERSYNC_ENCRYPTION_KEY to a
// 64-character hex string (32 bytes).
package credentials

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
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".rostersync"
	DefaultCredentialsFile = "credentials.yaml"
)

// Service names the store recognizes. One secret bundle per downstream
// service; vaultwarden carries a username/password pair, the rest a token.
const (
	ServiceMattermost  = "mattermost"
	ServiceAuthentik   = "authentik"
	ServiceOutline     = "outline"
	ServiceBrevo       = "brevo"
	ServiceNocoDB      = "nocodb"
	ServiceVaultwarden = "vaultwarden"
)

// Secret keys within a service bundle.
const (
	KeyToken    = "token"
	KeyUsername = "username"
	KeyPassword = "password"
)

// Common errors.
var (
	// ErrNoCredentials is returned when no credentials are stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrInvalidCredentials is returned when stored credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials format")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// knownServices is used to validate service names on write.
var knownServices = map[string]bool{
	ServiceMattermost:  true,
	ServiceAuthentik:   true,
	ServiceOutline:     true,
	ServiceBrevo:       true,
	ServiceNocoDB:      true,
	ServiceVaultwarden: true,
}

// KnownServices returns the recognized service names, sorted.
func KnownServices() []string {
	out := make([]string, 0, len(knownServices))
	for name := range knownServices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsKnownService reports whether name is a service the store recognizes.
func IsKnownService(name string) bool {
	return knownServices[name]
}

// ServiceSecret is one service's secret bundle. Values are plaintext in
// memory and ciphertext on disk.
type ServiceSecret struct {
	Values    map[string]string `yaml:"values"`
	UpdatedAt time.Time         `yaml:"updated_at"`
}

// Credentials holds every stored service secret.
type Credentials struct {
	Services    map[string]ServiceSecret `yaml:"services"`
	LastUpdated time.Time                `yaml:"last_updated"`
}

// GetSecret returns one secret value. ErrNoCredentials is returned when the
// service or key has nothing stored.
func (c *Credentials) GetSecret(service, key string) (string, error) {
	if c == nil || c.Services == nil {
		return "", ErrNoCredentials
	}
	bundle, ok := c.Services[service]
	if !ok {
		return "", ErrNoCredentials
	}
	value, ok := bundle.Values[key]
	if !ok || value == "" {
		return "", ErrNoCredentials
	}
	return value, nil
}

// setSecret stores one secret value in memory.
func (c *Credentials) setSecret(service, key, value string) {
	if c.Services == nil {
		c.Services = make(map[string]ServiceSecret)
	}
	bundle, ok := c.Services[service]
	if !ok {
		bundle = ServiceSecret{Values: make(map[string]string)}
	}
	if bundle.Values == nil {
		bundle.Values = make(map[string]string)
	}
	bundle.Values[key] = value
	bundle.UpdatedAt = time.Now()
	c.Services[service] = bundle
}

// Store manages credential storage operations.
type Store struct {
	// credentialsDir is the directory containing credentials.
	credentialsDir string
	// encryptionKey is the key used for encrypting/decrypting credentials.
	encryptionKey []byte
	// keyProvider is the source of the encryption key.
	keyProvider KeyProvider
}

// NewStore creates a new credential store with default settings.
// It uses the system keyring (macOS Keychain, Windows Credential Manager,
// or Linux Secret Service) to store the encryption key securely.
func NewStore() (*Store, error) {
	keyProvider, err := GetDefaultKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(keyProvider)
}

// NewStoreWithKeyProvider creates a new credential store with a custom key
// provider. This is primarily used for testing.
func NewStoreWithKeyProvider(keyProvider KeyProvider) (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}

	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// Load is a convenience that opens the default store and reads its contents.
func Load() (*Credentials, error) {
	store, err := NewStore()
	if err != nil {
		return nil, err
	}
	return store.Load()
}

// CredentialsDir returns the credentials directory path.
// Uses $ROSTERSYNC_CONFIG_DIR if set, otherwise ~/.rostersync
func CredentialsDir() (string, error) {
	if dir := os.Getenv("ROSTERSYNC_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultCredentialsDir), nil
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCredentialsFile), nil
}

// Save stores credentials to the credentials file, encrypting every secret
// value.
func (s *Store) Save(creds *Credentials) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	storage := Credentials{
		Services:    make(map[string]ServiceSecret, len(creds.Services)),
		LastUpdated: time.Now(),
	}

	for service, bundle := range creds.Services {
		encBundle := ServiceSecret{
			Values:    make(map[string]string, len(bundle.Values)),
			UpdatedAt: bundle.UpdatedAt,
		}
		for key, value := range bundle.Values {
			if value == "" {
				continue
			}
			encrypted, err := s.encrypt(value)
			if err != nil {
				return fmt.Errorf("encrypting %s/%s: %w", service, key, err)
			}
			encBundle.Values[key] = encrypted
		}
		storage.Services[service] = encBundle
	}

	data, err := yaml.Marshal(&storage)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.WriteFile(credPath, data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}

	return nil
}

// KeySource names where the encryption key lives, for display.
func (s *Store) KeySource() string {
	return s.keyProvider.Description()
}

// Load reads credentials from the credentials file, decrypting every secret
// value.
func (s *Store) Load() (*Credentials, error) {
	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)

	data, err := os.ReadFile(credPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var stored Credentials
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	creds := Credentials{
		Services:    make(map[string]ServiceSecret, len(stored.Services)),
		LastUpdated: stored.LastUpdated,
	}
	for service, bundle := range stored.Services {
		decBundle := ServiceSecret{
			Values:    make(map[string]string, len(bundle.Values)),
			UpdatedAt: bundle.UpdatedAt,
		}
		for key, value := range bundle.Values {
			decrypted, err := s.decrypt(value)
			if err != nil {
				return nil, fmt.Errorf("decrypting %s/%s: %w", service, key, err)
			}
			decBundle.Values[key] = decrypted
		}
		creds.Services[service] = decBundle
	}

	return &creds, nil
}

// SetSecret stores one secret value, creating the file if needed.
func (s *Store) SetSecret(service, key, value string) error {
	if !IsKnownService(service) {
		return fmt.Errorf("unknown service %q", service)
	}

	creds, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			return err
		}
		creds = &Credentials{}
	}

	creds.setSecret(service, key, value)
	return s.Save(creds)
}

// GetSecret reads one secret value from the store.
func (s *Store) GetSecret(service, key string) (string, error) {
	creds, err := s.Load()
	if err != nil {
		return "", err
	}
	return creds.GetSecret(service, key)
}

// DeleteService removes one service's secrets from the store.
func (s *Store) DeleteService(service string) error {
	creds, err := s.Load()
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return nil
		}
		return err
	}

	if _, ok := creds.Services[service]; !ok {
		return nil
	}
	delete(creds.Services, service)
	return s.Save(creds)
}

// Delete removes the whole credentials file.
func (s *Store) Delete() error {
	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)

	if err := os.Remove(credPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("removing credentials file: %w", err)
	}

	return nil
}

// Exists checks if the credentials file exists.
func (s *Store) Exists() bool {
	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	_, err := os.Stat(credPath)
	return err == nil
}

// ensureDir creates the credentials directory if it doesn't exist.
func (s *Store) ensureDir() error {
	return os.MkdirAll(s.credentialsDir, 0700)
}

// encrypt encrypts a string using AES-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}

	return string(plaintext), nil
}

// MaskCredential returns a masked version of the credential for display.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:4] + strings.Repeat("*", len(cred)-8) + cred[len(cred)-4:]
}
