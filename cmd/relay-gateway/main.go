// ABOUTME: Entry point for the relay-gateway bot runtime
// ABOUTME: Connects platform adapters to the generation backend

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                             _
  _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                   |___/       |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Printf("relay-gateway %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
