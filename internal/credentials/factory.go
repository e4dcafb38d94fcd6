package credentials

import (
	"fmt"

	"driveup/internal/config"
)

// NewStoreFromConfig creates a Store based on the encryption type.
// passphrase is only used by the age store.
func NewStoreFromConfig(cfg config.AuthConfig, passphrase PassphraseFunc) (Store, error) {
	switch cfg.Encryption.Type {
	case "none", "":
		return NewJSONStore(cfg.CredentialsPath), nil
	case "age":
		return NewAgeStore(cfg.CredentialsPath, cfg.Encryption, passphrase), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Encryption.Type)
	}
}
