package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"dbackup/internal/backup"
)

// AgeEncryptor implements backup.Encryptor using filippo.io/age with
// X25519 recipients. Only the public key lives on the backup host;
// decryption happens wherever the matching identity is held.
type AgeEncryptor struct {
	publicKeyPath string
}

var _ backup.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an encryptor reading recipients from the
// given public key file.
func NewAgeEncryptor(publicKeyPath string) *AgeEncryptor {
	return &AgeEncryptor{publicKeyPath: publicKeyPath}
}

// Encrypt wraps w with an age encryption stream for the configured
// recipient. The returned writer must be closed to finalize the stream.
func (e *AgeEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	recipient, err := e.loadRecipient()
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return encWriter, nil
}

func (e *AgeEncryptor) Suffix() string { return ".age" }

// loadRecipient reads the public key from disk and parses it.
func (e *AgeEncryptor) loadRecipient() (age.Recipient, error) {
	pubData, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}

	return recipients[0], nil
}

// GenerateKeyPair creates a new X25519 key pair, writes the public key
// to publicKeyPath, and returns the identity string for the operator to
// store elsewhere. The identity is never persisted on the backup host.
func GenerateKeyPair(publicKeyPath string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.WriteFile(publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}

	return identity.String(), nil
}
