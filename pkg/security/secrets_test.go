package security

import (
	"bytes"
	"testing"

	"github.com/cuemby/runway/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManager() returned nil manager")
			}
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("hunter2")
	require.NoError(t, err)

	plaintext := []byte("aws_secret_access_key=abc")
	ciphertext, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, plaintext))

	again, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again, "nonces differ between encryptions")

	decrypted, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = sm.Encrypt(nil)
	assert.Error(t, err)
	_, err = sm.Decrypt([]byte{1, 2})
	assert.Error(t, err)

	other, err := NewSecretsManagerFromPassword("other")
	require.NoError(t, err)
	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err, "wrong key must not decrypt")

	_, err = NewSecretsManagerFromPassword("")
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	sm, err := NewSecretsManager(bytes.Repeat([]byte{7}, KeySize))
	require.NoError(t, err)

	secret := &types.Secret{
		Provider:   "aws",
		Name:       "aws",
		Values:     map[string]string{"access_key": "AKIA", "secret_key": "shh"},
		TargetPath: "~/.aws/credentials",
		EnvVars:    map[string]string{"access_key": "AWS_ACCESS_KEY_ID"},
	}

	stored, err := sm.Seal(secret)
	require.NoError(t, err)
	assert.Equal(t, "aws", stored.Name)
	assert.False(t, bytes.Contains(stored.EncryptedData, []byte("shh")))

	opened, err := sm.Open(stored)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)

	_, err = sm.Seal(&types.Secret{})
	assert.Error(t, err)
	_, err = sm.Open(nil)
	assert.Error(t, err)
}

func TestOpen_RenamedRecord(t *testing.T) {
	sm, err := NewSecretsManager(bytes.Repeat([]byte{7}, KeySize))
	require.NoError(t, err)

	stored, err := sm.Seal(&types.Secret{Name: "hf", Values: map[string]string{"token": "x"}})
	require.NoError(t, err)

	stored.Name = "wandb"
	_, err = sm.Open(stored)
	assert.Error(t, err, "ciphertext is bound to the record name")
}

func TestNewSecretsManagerFromPassword_Deterministic(t *testing.T) {
	a, err := NewSecretsManagerFromPassword("correct horse")
	require.NoError(t, err)
	b, err := NewSecretsManagerFromPassword("correct horse")
	require.NoError(t, err)

	ct, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))
}

func TestLoadOrCreateKey(t *testing.T) {
	fs := afero.NewMemMapFs()

	key, err := LoadOrCreateKey(fs, "/home/u/.runway/secret.key")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	info, err := fs.Stat("/home/u/.runway/secret.key")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	again, err := LoadOrCreateKey(fs, "/home/u/.runway/secret.key")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	require.NoError(t, afero.WriteFile(fs, "/bad.key", []byte("short"), 0600))
	_, err = LoadOrCreateKey(fs, "/bad.key")
	assert.Error(t, err)
}
