package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// RSA-OAEP/SHA-256 with 2048-bit keys; AES-256-GCM for the bulk payload.
const (
	KeyBits    = 2048
	AESKeySize = 32
	IVSize     = 12
)

// KeyPair holds the base64-encoded halves of an asymmetric pair:
// SPKI DER for the public key, PKCS#8 DER for the private key.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyPair produces a fresh RSA key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto.GenerateKeyPair: %w", err)
	}
	pub, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// MarshalPublicKey encodes a public key as base64 SPKI DER.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto.MarshalPublicKey: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 SPKI DER public key.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto.ParsePublicKey decode: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto.ParsePublicKey parse: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto.ParsePublicKey: not an RSA key")
	}
	return pub, nil
}

// MarshalPrivateKey encodes a private key as base64 PKCS#8 DER.
func MarshalPrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("crypto.MarshalPrivateKey: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey decodes a base64 PKCS#8 DER private key.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto.ParsePrivateKey decode: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto.ParsePrivateKey parse: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto.ParsePrivateKey: not an RSA key")
	}
	return priv, nil
}
