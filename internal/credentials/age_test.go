package credentials

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"driveup/internal/config"
)

func newTestAgeStore(t *testing.T, passphrase string) *AgeStore {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "driveup.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "driveup.key"),
	}
	return NewAgeStore(filepath.Join(dir, "credentials"), cfg, func() (string, error) {
		return passphrase, nil
	})
}

func TestAgeStore_IsConfigured_BeforeSetup(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")
	if s.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
}

func TestAgeStore_Setup_IsConfigured(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")

	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !s.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}
}

func TestAgeStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	want := &Credentials{AccessToken: "ya29.access", TokenType: "Bearer", RefreshToken: "1//refresh"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, []byte("1//refresh")) {
		t.Error("credentials file contains the refresh token in plaintext")
	}

	// A fresh store has to unlock the private key with the passphrase.
	fresh := NewAgeStore(s.path, config.EncryptionConfig{PublicKeyPath: s.publicKeyPath, PrivateKeyPath: s.privateKeyPath}, func() (string, error) {
		return "pw", nil
	})
	got, err := fresh.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.TokenType != want.TokenType {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestAgeStore_LoadWrongPassphrase(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := s.Save(&Credentials{RefreshToken: "r"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	wrong := NewAgeStore(s.path, config.EncryptionConfig{PublicKeyPath: s.publicKeyPath, PrivateKeyPath: s.privateKeyPath}, func() (string, error) {
		return "not the passphrase", nil
	})
	if _, err := wrong.Load(); err == nil {
		t.Fatal("Load() with wrong passphrase succeeded, want error")
	}
}

func TestAgeStore_LoadMissing(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")
	if _, err := s.Load(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Load() error = %v, want ErrNotConfigured", err)
	}
}

func TestAgeStore_SaveWithoutKeys(t *testing.T) {
	t.Parallel()
	s := newTestAgeStore(t, "pw")
	if err := s.Save(&Credentials{RefreshToken: "r"}); err == nil {
		t.Fatal("Save() before Setup succeeded, want error")
	}
}
