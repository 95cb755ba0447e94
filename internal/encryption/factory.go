package encryption

import (
	"fmt"

	"dbackup/internal/backup"
	"dbackup/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// An empty type disables encryption.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (backup.Encryptor, error) {
	switch cfg.Type {
	case "":
		return backup.NopEncryptor{}, nil
	case "age":
		if cfg.PublicKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path to be set")
		}
		return NewAgeEncryptor(cfg.PublicKeyPath), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
