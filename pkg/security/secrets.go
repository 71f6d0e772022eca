package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/cuemby/runway/pkg/types"
	"github.com/spf13/afero"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length
const KeySize = 32

// passphraseSalt is fixed so the same passphrase opens the store from any
// machine without shipping a salt file alongside it
var passphraseSalt = []byte("runway/secret-store/v1")

// SecretsManager seals secret values with AES-256-GCM. Stored secrets bind
// their name as additional data, so ciphertext moved between records fails to
// open.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager takes a raw KeySize key, usually read by LoadOrCreateKey
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret store key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretsManager{aead: aead}, nil
}

// NewSecretsManagerFromPassword derives the key from a passphrase with
// Argon2id, for RUNWAY_SECRET_PASSPHRASE
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	return NewSecretsManager(argon2.IDKey([]byte(password), passphraseSalt, 1, 64*1024, 4, KeySize))
}

// Encrypt returns nonce||ciphertext
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	return sm.seal(plaintext, nil)
}

// Decrypt opens data produced by Encrypt
func (sm *SecretsManager) Decrypt(data []byte) ([]byte, error) {
	return sm.open(data, nil)
}

func (sm *SecretsManager) seal(plaintext, ad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}
	nonce := make([]byte, sm.aead.NonceSize(), sm.aead.NonceSize()+len(plaintext)+sm.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sm.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (sm *SecretsManager) open(data, ad []byte) ([]byte, error) {
	n := sm.aead.NonceSize()
	if len(data) < n+sm.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short (%d bytes)", len(data))
	}
	plaintext, err := sm.aead.Open(nil, data[:n], data[n:], ad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts a secret's values for storage
func (sm *SecretsManager) Seal(secret *types.Secret) (*types.StoredSecret, error) {
	if secret == nil || secret.Name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}

	plaintext, err := json.Marshal(struct {
		Values  map[string]string `json:"values"`
		EnvVars map[string]string `json:"env_vars,omitempty"`
	}{secret.Values, secret.EnvVars})
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret: %w", err)
	}

	encrypted, err := sm.seal(plaintext, []byte(secret.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret %s: %w", secret.Name, err)
	}

	now := time.Now()
	return &types.StoredSecret{
		Name:          secret.Name,
		Provider:      secret.Provider,
		TargetPath:    secret.TargetPath,
		EncryptedData: encrypted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Open decrypts a stored secret
func (sm *SecretsManager) Open(stored *types.StoredSecret) (*types.Secret, error) {
	if stored == nil {
		return nil, fmt.Errorf("no stored secret")
	}

	plaintext, err := sm.open(stored.EncryptedData, []byte(stored.Name))
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", stored.Name, err)
	}

	var body struct {
		Values  map[string]string `json:"values"`
		EnvVars map[string]string `json:"env_vars,omitempty"`
	}
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}

	return &types.Secret{
		Provider:   stored.Provider,
		Name:       stored.Name,
		Values:     body.Values,
		TargetPath: stored.TargetPath,
		EnvVars:    body.EnvVars,
	}, nil
}

// LoadOrCreateKey reads a KeySize key from path, generating and writing a
// new random key (mode 0600) when the file does not exist.
func LoadOrCreateKey(fsys afero.Fs, path string) ([]byte, error) {
	key, err := afero.ReadFile(fsys, path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, expected %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := afero.WriteFile(fsys, path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
