package testutil

import (
	"dbackup/internal/backup"
	"dbackup/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() backup.Encryptor {
	return encryption.NewTestEncryptor()
}
