// Package crypto implements the hybrid message cipher: a fresh AES-256-GCM key
// and IV per message for the bulk payload, with the AES key wrapped under each
// recipient's RSA-OAEP public key. RSA alone bounds plaintext size; the hybrid
// scheme handles messages of arbitrary length.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecryptionFailed is returned when key unwrap or authenticated decryption
// fails. Callers render an explicit placeholder; corrupted plaintext is never
// returned as valid.
var ErrDecryptionFailed = errors.New("decryption failed")

// Envelope is the encrypted form of one message for one recipient.
// All fields are base64-encoded.
type Envelope struct {
	Ciphertext string
	WrappedKey string
	IV         string
}

// GroupEnvelope shares one ciphertext and IV across recipients, with the AES
// key wrapped separately per recipient user id.
type GroupEnvelope struct {
	Ciphertext  string
	IV          string
	WrappedKeys map[string]string
}

// Encrypt produces a fresh envelope for a single recipient. A new AES key and
// IV are generated on every call; reuse of either across messages would be a
// correctness violation.
func Encrypt(plaintext string, recipientPub *rsa.PublicKey) (*Envelope, error) {
	aesKey := make([]byte, AESKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("crypto.Encrypt aes key: %w", err)
	}
	ciphertext, iv, err := sealSymmetric([]byte(plaintext), aesKey)
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(aesKey, recipientPub)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		WrappedKey: wrapped,
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// EncryptForRecipients encrypts the plaintext once and wraps the AES key for
// every recipient with a known public key. Recipients missing from the map get
// no wrapped key and will not be able to decrypt.
func EncryptForRecipients(plaintext string, recipients map[string]*rsa.PublicKey) (*GroupEnvelope, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("crypto.EncryptForRecipients: no recipients")
	}
	aesKey := make([]byte, AESKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("crypto.EncryptForRecipients aes key: %w", err)
	}
	ciphertext, iv, err := sealSymmetric([]byte(plaintext), aesKey)
	if err != nil {
		return nil, err
	}
	wrapped := make(map[string]string, len(recipients))
	for userID, pub := range recipients {
		w, err := WrapKey(aesKey, pub)
		if err != nil {
			return nil, fmt.Errorf("crypto.EncryptForRecipients wrap for %s: %w", userID, err)
		}
		wrapped[userID] = w
	}
	return &GroupEnvelope{
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		IV:          base64.StdEncoding.EncodeToString(iv),
		WrappedKeys: wrapped,
	}, nil
}

// Decrypt unwraps the AES key with the private key and opens the ciphertext.
// Unwrap failure and GCM tag failure both surface as ErrDecryptionFailed.
func Decrypt(ciphertext, wrappedKey, iv string, priv *rsa.PrivateKey) (string, error) {
	aesKey, err := UnwrapKey(wrappedKey, priv)
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto.Decrypt ciphertext decode: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("crypto.Decrypt iv decode: %w", err)
	}
	if len(nonce) != IVSize {
		return "", fmt.Errorf("crypto.Decrypt: iv must be %d bytes: %w", IVSize, ErrDecryptionFailed)
	}
	plaintext, err := openSymmetric(ct, aesKey, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// WrapKey encrypts a symmetric key under the recipient's public key (RSA-OAEP/SHA-256).
func WrapKey(key []byte, pub *rsa.PublicKey) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("crypto.WrapKey: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey reverses WrapKey. A key wrapped for a different recipient fails
// with ErrDecryptionFailed.
func UnwrapKey(wrapped string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("crypto.UnwrapKey decode: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto.UnwrapKey: %w", ErrDecryptionFailed)
	}
	return key, nil
}

// ValidatePair round-trips a random symmetric key through wrap/unwrap to detect
// a stale local private key without touching real message data.
func ValidatePair(publicKey, privateKey string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return false
	}
	probe := make([]byte, AESKeySize)
	if _, err := rand.Read(probe); err != nil {
		return false
	}
	wrapped, err := WrapKey(probe, pub)
	if err != nil {
		return false
	}
	got, err := UnwrapKey(wrapped, priv)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(probe, got) == 1
}

func sealSymmetric(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto: iv: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

func openSymmetric(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		// An unwrapped key of the wrong size means the wrap was not for us.
		return nil, fmt.Errorf("crypto: aes cipher: %w", ErrDecryptionFailed)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", ErrDecryptionFailed)
	}
	return plaintext, nil
}
