package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"driveup/internal/app"
)

// passphrase unlocks age-encrypted credentials, from the environment when
// set and from a hidden prompt otherwise.
func passphrase() (string, error) {
	if p := os.Getenv(app.PassphraseEnv); p != "" {
		return p, nil
	}
	return promptSecret("Passphrase: ")
}

// promptSecret reads a line from the terminal without echo. When stdin is not
// a terminal the line is read as is, so secrets can be piped in.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(prompt, ": "), err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return strings.TrimSpace(string(b)), nil
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage remote credentials",
}

var authInitKeyCmd = &cobra.Command{
	Use:   "init-key",
	Short: "Create the key pair that encrypts stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("InitKey")
		if err != nil {
			return err
		}
		defer a.Close()

		first, err := promptSecret("New passphrase: ")
		if err != nil {
			return err
		}
		second, err := promptSecret("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if first != second {
			return errors.New("passphrases do not match")
		}

		if err := a.InitKey(first); err != nil {
			return err
		}
		fmt.Println("Key pair created.")
		return nil
	},
}

var authSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store an OAuth refresh token",
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")

		a, err := newApp("SetAuth")
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := promptSecret("Refresh token: ")
		if err != nil {
			return err
		}
		if err := a.SetRefreshToken(token); err != nil {
			return err
		}
		fmt.Println("Refresh token stored.")

		if verify {
			if err := a.VerifyAuth(cmd.Context()); err != nil {
				return fmt.Errorf("verifying token: %w", err)
			}
			fmt.Println("Token verified.")
		}
		return nil
	},
}

var authVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the stored token grants access",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("VerifyAuth")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.VerifyAuth(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Token verified.")
		return nil
	},
}

func init() {
	authSetCmd.Flags().Bool("verify", true, "Exchange the token for an access token after storing it")
}
