package credentials

import (
	"bytes"
	"encoding/hex"
	"os"
	"strings"
	"testing"
)

func TestEnvKeyProvider_GetKey(t *testing.T) {
	const envVar = "TEST_ROSTERSYNC_ENCRYPTION_KEY"

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid 32-byte key", testEncryptionKey, false},
		{"unset", "", true},
		{"not hex", "not-valid-hex", true},
		{"too short", "0123456789abcdef", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envVar, tc.value)

			key, err := NewEnvKeyProvider(envVar).GetKey()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("GetKey() = %x, want error", key)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetKey() error = %v", err)
			}
			want, _ := hex.DecodeString(testEncryptionKey)
			if !bytes.Equal(key, want) {
				t.Errorf("GetKey() = %x, want %x", key, want)
			}
		})
	}
}

func TestPassphraseKeyProvider_Derivation(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}

	key1, err := NewPassphraseKeyProvider("correct horse battery", salt).GetKey()
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if len(key1) != keyLength {
		t.Fatalf("derived key is %d bytes, want %d", len(key1), keyLength)
	}

	// Same inputs derive the same key; changing either input changes it.
	key2, _ := NewPassphraseKeyProvider("correct horse battery", salt).GetKey()
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase and salt derived different keys")
	}

	otherSalt, _ := GenerateSalt()
	keyOtherSalt, _ := NewPassphraseKeyProvider("correct horse battery", otherSalt).GetKey()
	if bytes.Equal(key1, keyOtherSalt) {
		t.Error("different salt derived the same key")
	}

	keyOtherPass, _ := NewPassphraseKeyProvider("incorrect horse", salt).GetKey()
	if bytes.Equal(key1, keyOtherPass) {
		t.Error("different passphrase derived the same key")
	}
}

func TestPassphraseKeyProvider_RequiresInputs(t *testing.T) {
	salt, _ := GenerateSalt()
	if _, err := NewPassphraseKeyProvider("", salt).GetKey(); err == nil {
		t.Error("empty passphrase accepted")
	}
	if _, err := NewPassphraseKeyProvider("pass", nil).GetKey(); err == nil {
		t.Error("nil salt accepted")
	}
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	if len(salt1) != saltLength {
		t.Errorf("salt is %d bytes, want %d", len(salt1), saltLength)
	}

	salt2, _ := GenerateSalt()
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts came out identical")
	}
}

func TestDescriptions(t *testing.T) {
	if desc := NewEnvKeyProvider("MY_KEY_VAR").Description(); !strings.Contains(desc, "MY_KEY_VAR") {
		t.Errorf("env Description() = %q, want the variable name in it", desc)
	}
	if desc := NewPassphraseKeyProvider("p", []byte("s")).Description(); !strings.Contains(desc, "Argon2") {
		t.Errorf("passphrase Description() = %q, want Argon2 mentioned", desc)
	}
	if desc := NewKeyringKeyProvider().Description(); desc == "" {
		t.Error("keyring Description() is empty")
	}
}

func TestGetDefaultKeyProvider_PrefersEnv(t *testing.T) {
	t.Setenv(EnvEncryptionKey, testEncryptionKey)

	provider, err := GetDefaultKeyProvider()
	if err != nil {
		t.Fatalf("GetDefaultKeyProvider() error = %v", err)
	}
	if desc := provider.Description(); !strings.Contains(desc, EnvEncryptionKey) {
		t.Errorf("provider = %q, want the env provider", desc)
	}

	key, err := provider.GetKey()
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if len(key) != keyLength {
		t.Errorf("key is %d bytes, want %d", len(key), keyLength)
	}
}

// Exercises the real OS keyring; skipped wherever one is not available.
func TestKeyringKeyProvider_GetKey(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("no keyring in CI")
	}

	provider := NewKeyringKeyProvider()
	key, err := provider.GetKey()
	if err != nil {
		t.Skipf("keyring not available: %v", err)
	}
	if len(key) != keyLength {
		t.Errorf("key is %d bytes, want %d", len(key), keyLength)
	}

	again, err := provider.GetKey()
	if err != nil {
		t.Fatalf("second GetKey() error = %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("GetKey() is not stable across calls")
	}
}
