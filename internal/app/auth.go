package app

import (
	"context"
	"errors"
	"fmt"

	"driveup/internal/credentials"
)

// InitKey creates the age key pair protecting the credentials file. It only
// applies when auth.encryption.type is "age".
func (a *App) InitKey(passphrase string) error {
	store, err := credentials.NewStoreFromConfig(a.cfg.Auth, a.opts.Passphrase)
	if err != nil {
		return fmt.Errorf("creating credential store: %w", err)
	}
	ageStore, ok := store.(*credentials.AgeStore)
	if !ok {
		return fmt.Errorf("encryption type %q does not use a key pair", a.cfg.Auth.Encryption.Type)
	}
	if ageStore.IsConfigured() {
		return errors.New("key pair already exists")
	}
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}
	if err := ageStore.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up key pair: %w", err)
	}
	a.logger.Info("credential key pair created", "public_key", a.cfg.Auth.Encryption.PublicKeyPath)
	return nil
}

// SetRefreshToken stores refreshToken, replacing any saved tokens. The access
// token is obtained on the next sync.
func (a *App) SetRefreshToken(refreshToken string) error {
	if refreshToken == "" {
		return errors.New("refresh token must not be empty")
	}
	store, err := credentials.NewStoreFromConfig(a.cfg.Auth, a.opts.Passphrase)
	if err != nil {
		return fmt.Errorf("creating credential store: %w", err)
	}
	if err := store.Save(&credentials.Credentials{RefreshToken: refreshToken, TokenType: "Bearer"}); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	a.logger.Info("refresh token stored", "path", a.cfg.Auth.CredentialsPath)
	return nil
}

// VerifyAuth exchanges the stored refresh token for an access token.
func (a *App) VerifyAuth(ctx context.Context) error {
	if a.cfg.Remote.Type != "drive" {
		return fmt.Errorf("remote type %q does not use OAuth", a.cfg.Remote.Type)
	}
	_, err := a.newAuthProvider(ctx)
	return err
}
