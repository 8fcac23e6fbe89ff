package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/anonchat/anonchat/internal/config"
	"github.com/anonchat/anonchat/internal/daemon"
	"github.com/anonchat/anonchat/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "user ID (overrides config user_id)")
	relayFlag := flag.String("relay", "", "relay base URL (overrides config relay_url)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		cfg = &config.Config{}
	}

	userID := *userFlag
	if userID == "" {
		userID = cfg.UserID
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: no user ID (set --user or user_id in config.toml)")
		os.Exit(1)
	}

	relayURL := *relayFlag
	if relayURL == "" {
		relayURL = cfg.RelayURL
	}
	if relayURL == "" {
		relayURL = config.DefaultRelayURL
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			UserID:      userID,
			RelayURL:    relayURL,
		}),
	)

	app.Run()
}
