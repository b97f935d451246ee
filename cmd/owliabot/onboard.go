package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const starterConfig = `# owliabot configuration
agent:
  id: main
  persona: |
    You are a helpful personal assistant. Be concise.

providers:
  - id: anthropic
    kind: native
    model: claude-sonnet-4-5
    # Reads ANTHROPIC_API_KEY when api_key is unset.

channels:
  telegram:
    enabled: false
    bot_token: ${TELEGRAM_BOT_TOKEN}
    allow_from: []          # user ids or @usernames allowed to talk to the bot
    require_mention: true   # in groups
  discord:
    enabled: false
    bot_token: ${DISCORD_BOT_TOKEN}
    allow_from: []
    require_mention: true
  http:
    enabled: false
    host: 127.0.0.1
    port: 8808
    gateway_token: ${OWLIABOT_GATEWAY_TOKEN}

write_gate:
  enabled: true
  timeout: 2m
  allow_from: []            # who may approve write-tier tool calls

policy:
  deny: []
  confirm: []

session:
  history_max_turns: 20
  summarize_on_reset: true

logging:
  level: info
  format: json
`

func newOnboardCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Next steps:")
			fmt.Println("  1. owliabot auth setup anthropic")
			fmt.Println("  2. Enable a channel in the config and set its token")
			fmt.Println("  3. owliabot start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	return cmd
}
