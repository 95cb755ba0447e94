package encryption

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestAgeEncryptor(t *testing.T) {
	t.Run("encrypt round-trips against the generated identity", func(t *testing.T) {
		pubPath := filepath.Join(t.TempDir(), "dbackup.pub")
		identityStr, err := GenerateKeyPair(pubPath)
		if err != nil {
			t.Fatalf("GenerateKeyPair() error = %v", err)
		}

		e := NewAgeEncryptor(pubPath)
		plaintext := []byte("dump contents")

		var encrypted bytes.Buffer
		w, err := e.Encrypt(&encrypted)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			t.Fatalf("writing plaintext: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("closing stream: %v", err)
		}

		if bytes.Contains(encrypted.Bytes(), plaintext) {
			t.Error("ciphertext contains the plaintext")
		}

		identity, err := age.ParseX25519Identity(identityStr)
		if err != nil {
			t.Fatalf("parsing identity: %v", err)
		}
		r, err := age.Decrypt(&encrypted, identity)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		decrypted, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("reading decrypted stream: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
		}
	})

	t.Run("suffix marks encrypted artifacts", func(t *testing.T) {
		e := NewAgeEncryptor("unused")
		if e.Suffix() != ".age" {
			t.Errorf("Suffix() = %q, want .age", e.Suffix())
		}
	})

	t.Run("missing public key fails", func(t *testing.T) {
		e := NewAgeEncryptor(filepath.Join(t.TempDir(), "nope.pub"))
		if _, err := e.Encrypt(&bytes.Buffer{}); err == nil {
			t.Fatal("Encrypt() error = nil, want error")
		}
	})

	t.Run("generated public key parses as a recipient", func(t *testing.T) {
		pubPath := filepath.Join(t.TempDir(), "dbackup.pub")
		identityStr, err := GenerateKeyPair(pubPath)
		if err != nil {
			t.Fatalf("GenerateKeyPair() error = %v", err)
		}
		if !strings.HasPrefix(identityStr, "AGE-SECRET-KEY-") {
			t.Errorf("identity = %q, want AGE-SECRET-KEY- prefix", identityStr)
		}

		e := NewAgeEncryptor(pubPath)
		if _, err := e.loadRecipient(); err != nil {
			t.Errorf("loadRecipient() error = %v", err)
		}
	})
}
