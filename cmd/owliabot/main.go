// Package main is the owliabot CLI: a personal multi-channel LLM
// agent gateway.
//
// Start the gateway:
//
//	owliabot start --config ~/.owliabot/config.yaml
//
// Store provider credentials:
//
//	owliabot auth setup anthropic
//
// Generate a starter configuration:
//
//	owliabot onboard
package main

import (
	"fmt"
	"os"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
