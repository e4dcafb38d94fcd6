package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// PassphraseEnv names the variable that unlocks age-encrypted credentials
// without a prompt.
const PassphraseEnv = "DRIVEUP_PASSPHRASE"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DRIVEUP_CONFIG_PATH: config file location (default: ~/.config/driveup.toml)
//   - DRIVEUP_HOME: base directory for driveup data (default: ~/.local/share/driveup)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"temp_dir":    filepath.Join(baseDir, "tmp"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("DRIVEUP_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "driveup.toml"), nil
}

// getBaseDir returns the base directory for driveup data, checking
// DRIVEUP_HOME first, then falling back to ~/.local/share/driveup.
func getBaseDir() (string, error) {
	if path := os.Getenv("DRIVEUP_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "driveup"), nil
}
