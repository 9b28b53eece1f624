// Package crypto provides the commitment codec for blind predictions and the
// operator key handling used to sign settlement reports.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedKeyVersion = 1
)

// sealedKey is the on-disk format of a password-protected signing key.
type sealedKey struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig tells ResolveSigningKey where the report-signing key lives.
type KeyConfig struct {
	// RawPrivateKey is a hex-encoded key (with or without 0x prefix). It wins
	// over EncryptedKeyPath when both are set.
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// SealKey encrypts a hex-encoded secp256k1 key with a password using
// PBKDF2-HMAC-SHA256 and AES-256-GCM, returning the JSON file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keymanager: password must not be empty")
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: invalid key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("crypto/keymanager: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: generating nonce: %w", err)
	}

	return json.MarshalIndent(sealedKey{
		Version:    sealedKeyVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// OpenKey decrypts the output of SealKey and returns the key as hex without
// 0x prefix.
func OpenKey(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto/keymanager: password must not be empty")
	}

	var stored sealedKey
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return "", fmt.Errorf("crypto/keymanager: parsing sealed key: %w", err)
	}
	if stored.Version != sealedKeyVersion {
		return "", fmt.Errorf("crypto/keymanager: unsupported version %d", stored.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", stored.Salt, &salt},
		{"nonce", stored.Nonce, &nonce},
		{"ciphertext", stored.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto/keymanager: decoding %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plaintext), nil
}

// ResolveSigningKey returns the report-signing key from cfg. It returns
// ("", nil) when no key source is configured; reports are then archived
// unsigned.
func ResolveSigningKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto/keymanager: raw key is not valid hex: %w", err)
		}
		return k, nil
	}

	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto/keymanager: reading sealed key: %w", err)
		}
		return OpenKey(data, cfg.KeyPassword)
	}

	return "", nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: creating GCM: %w", err)
	}
	return gcm, nil
}
