package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
)

const (
	refreshTokenPrefix = "ADRT_"
	oneTimeCodePrefix  = "OTC_"
)

type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService creates a new crypto service with the provided encryption key.
// The key must be exactly 32 bytes for AES-256.
func NewCryptoService(encryptionKey string) (*CryptoService, error) {
	key := []byte(encryptionKey)
	if len(key) != 32 {
		return nil, ErrInvalidEncryptionKey
	}

	return &CryptoService{
		encryptionKey: key,
	}, nil
}

// EncryptToken encrypts a token using AES-256-GCM.
// Returns base64-encoded ciphertext with nonce prepended.
func (cs *CryptoService) EncryptToken(plaintext string) (string, error) {
	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (cs *CryptoService) DecryptToken(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, cipherbytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherbytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (cs *CryptoService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// HashToken creates a bcrypt hash of a token for secure storage.
// Uses bcrypt cost of 12 for a good balance between security and performance.
func (cs *CryptoService) HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), 12)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

func (cs *CryptoService) VerifyTokenHash(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// randomToken returns n random bytes, base64url encoded without padding
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// lookupKey derives the storage key for a bearer secret, so the secret itself is never stored
func lookupKey(namespace, secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return namespace + ":" + hex.EncodeToString(sum[:])
}

type RefreshTokenParts struct {
	ID  string // Token ID
	Key string // Token Key
}

func GenerateRefreshToken() (fullToken string, parts *RefreshTokenParts, err error) {
	id, err := randomToken(32)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	key, err := randomToken(48)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token key: %w", err)
	}

	fullToken = refreshTokenPrefix + id + "." + key

	return fullToken, &RefreshTokenParts{
		ID:  id,
		Key: key,
	}, nil
}

func ParseRefreshToken(token string) (*RefreshTokenParts, error) {
	body, ok := strings.CutPrefix(token, refreshTokenPrefix)
	if !ok {
		return nil, errors.New("invalid token format: missing ADRT_ prefix")
	}

	id, key, ok := strings.Cut(body, ".")
	if !ok {
		return nil, errors.New("invalid token format: missing separator")
	}
	if id == "" || key == "" {
		return nil, errors.New("invalid token format: empty ID or Key")
	}

	return &RefreshTokenParts{
		ID:  id,
		Key: key,
	}, nil
}
