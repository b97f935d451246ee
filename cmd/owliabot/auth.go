package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/owliabot/owliabot/internal/auth"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(newAuthSetupCmd(), newAuthStatusCmd(), newAuthDeleteCmd())
	return cmd
}

func newAuthSetupCmd() *cobra.Command {
	var useOAuth bool

	cmd := &cobra.Command{
		Use:   "setup <provider>",
		Short: "Store credentials for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(strings.TrimSpace(args[0]))
			store := auth.NewStore(auth.DefaultDir())

			if useOAuth {
				return setupOAuth(store, provider)
			}
			return setupAPIKey(store, provider)
		},
	}
	cmd.Flags().BoolVar(&useOAuth, "oauth", false, "store an OAuth refresh token instead of an API key")
	return cmd
}

func setupAPIKey(store *auth.Store, provider string) error {
	key, err := readSecret(fmt.Sprintf("API key for %s: ", provider))
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("empty key, nothing stored")
	}
	if err := store.Save(&auth.Credentials{
		Provider: provider,
		Type:     auth.CredentialAPIKey,
		APIKey:   key,
	}); err != nil {
		return err
	}
	fmt.Printf("Stored API key for %s.\n", provider)
	return nil
}

func setupOAuth(store *auth.Store, provider string) error {
	access, err := readSecret(fmt.Sprintf("Access token for %s (optional): ", provider))
	if err != nil {
		return err
	}
	refresh, err := readSecret(fmt.Sprintf("Refresh token for %s: ", provider))
	if err != nil {
		return err
	}
	if refresh == "" {
		return errors.New("a refresh token is required for oauth setup")
	}
	creds := &auth.Credentials{
		Provider:     provider,
		Type:         auth.CredentialOAuth,
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if access != "" {
		// Without a known expiry the first use triggers a refresh.
		creds.Expiry = time.Now()
	}
	if err := store.Save(creds); err != nil {
		return err
	}
	fmt.Printf("Stored OAuth credentials for %s.\n", provider)
	return nil
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List providers with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := auth.NewStore(auth.DefaultDir())
			providers, err := store.List()
			if err != nil {
				return err
			}
			if len(providers) == 0 {
				fmt.Println("No credentials stored.")
				return nil
			}
			for _, name := range providers {
				creds, err := store.Load(name)
				if err != nil {
					fmt.Printf("  %s (unreadable: %v)\n", name, err)
					continue
				}
				switch creds.Type {
				case auth.CredentialOAuth:
					state := "valid"
					if creds.Expired(time.Now()) {
						state = "needs refresh"
					}
					fmt.Printf("  %s  oauth, %s\n", name, state)
				default:
					fmt.Printf("  %s  api key\n", name)
				}
			}
			return nil
		},
	}
}

func newAuthDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove stored credentials for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := auth.NewStore(auth.DefaultDir())
			provider := strings.ToLower(strings.TrimSpace(args[0]))
			if err := store.Delete(provider); err != nil {
				if errors.Is(err, auth.ErrNotFound) {
					return fmt.Errorf("no credentials stored for %s", provider)
				}
				return err
			}
			fmt.Printf("Deleted credentials for %s.\n", provider)
			return nil
		},
	}
}

// readSecret prompts on stderr and reads without echo when stdin is a
// terminal, falling back to a plain line read for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
