package crypto

import (
	"crypto/rsa"
	"errors"
	"testing"
)

func generatePair(t *testing.T) (*KeyPair, *rsa.PublicKey, *rsa.PrivateKey) {
	t.Helper()
	pair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pub, err := ParsePublicKey(pair.PublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	priv, err := ParsePrivateKey(pair.PrivateKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	return pair, pub, priv
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	_, pub, priv := generatePair(t)

	plaintext := "the quick brown fox"
	env, err := Encrypt(plaintext, pub)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if env.Ciphertext == "" || env.WrappedKey == "" || env.IV == "" {
		t.Fatalf("envelope has empty fields: %+v", env)
	}
	if env.Ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := Decrypt(env.Ciphertext, env.WrappedKey, env.IV, priv)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptUsesFreshKeyAndIV(t *testing.T) {
	_, pub, _ := generatePair(t)

	a, err := Encrypt("same text", pub)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt("same text", pub)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a.IV == b.IV {
		t.Error("IV reused across encryptions")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("ciphertext identical across encryptions")
	}
	if a.WrappedKey == b.WrappedKey {
		t.Error("wrapped key identical across encryptions")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	_, pub, _ := generatePair(t)
	_, _, otherPriv := generatePair(t)

	env, err := Encrypt("secret", pub)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(env.Ciphertext, env.WrappedKey, env.IV, otherPriv)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt with wrong key: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	_, pub, priv := generatePair(t)

	env, err := Encrypt("secret", pub)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := []byte(env.Ciphertext)
	tampered[0] ^= 1
	_, err = Decrypt(string(tampered), env.WrappedKey, env.IV, priv)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt tampered: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptForRecipients(t *testing.T) {
	_, alicePub, alicePriv := generatePair(t)
	_, bobPub, bobPriv := generatePair(t)
	_, _, strangerPriv := generatePair(t)

	env, err := EncryptForRecipients("group secret", map[string]*rsa.PublicKey{
		"alice": alicePub,
		"bob":   bobPub,
	})
	if err != nil {
		t.Fatalf("EncryptForRecipients: %v", err)
	}
	if len(env.WrappedKeys) != 2 {
		t.Fatalf("got %d wrapped keys, want 2", len(env.WrappedKeys))
	}
	if env.WrappedKeys["alice"] == env.WrappedKeys["bob"] {
		t.Error("wrapped keys identical for different recipients")
	}

	for name, priv := range map[string]*rsa.PrivateKey{"alice": alicePriv, "bob": bobPriv} {
		got, err := Decrypt(env.Ciphertext, env.WrappedKeys[name], env.IV, priv)
		if err != nil {
			t.Fatalf("%s Decrypt: %v", name, err)
		}
		if got != "group secret" {
			t.Errorf("%s Decrypt = %q, want %q", name, got, "group secret")
		}
	}

	// A non-recipient cannot open it through someone else's wrapped key.
	if _, err := Decrypt(env.Ciphertext, env.WrappedKeys["alice"], env.IV, strangerPriv); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("stranger Decrypt: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestValidatePair(t *testing.T) {
	pair, _, _ := generatePair(t)
	other, _, _ := generatePair(t)

	if !ValidatePair(pair.PublicKey, pair.PrivateKey) {
		t.Error("ValidatePair rejected a matching pair")
	}
	if ValidatePair(pair.PublicKey, other.PrivateKey) {
		t.Error("ValidatePair accepted a mismatched pair")
	}
	if ValidatePair("not-base64!", pair.PrivateKey) {
		t.Error("ValidatePair accepted garbage public key")
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("@@@"); err == nil {
		t.Error("ParsePublicKey accepted invalid base64")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Error("ParsePrivateKey accepted empty input")
	}
}
