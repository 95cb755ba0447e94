package encryption

import (
	"fmt"
	"io"

	"dbackup/internal/backup"
)

// testHeader is prepended to data by TestEncryptor to make encrypted output
// clearly different from plaintext while remaining deterministic and reversible.
var testHeader = []byte("DBENC\x00\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for testing.
// It prepends a fixed 8-byte header so encrypted output differs from
// plaintext (and checksums differ) without requiring any crypto.
type TestEncryptor struct{}

var _ backup.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return passthroughCloser{w}, nil
}

func (e *TestEncryptor) Suffix() string { return ".enc" }

type passthroughCloser struct{ io.Writer }

func (passthroughCloser) Close() error { return nil }
