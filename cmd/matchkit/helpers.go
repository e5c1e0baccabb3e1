package main

import (
	"fmt"
	"os"

	matchkit "github.com/amora-app/matchkit-go"
)

// getClient creates a matchkit client from the stored configuration.
func getClient() (*matchkit.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'matchkit init <token>' first.")
		os.Exit(1)
	}

	var opts []matchkit.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, matchkit.WithBaseURL(cfg.Default.BaseURL))
	}

	return matchkit.NewClient(cfg.Auth.Token, opts...), cfg
}
