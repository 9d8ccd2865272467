package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/server"
)

// runToken issues an access token signed with auth.jwt_secret, for
// scripts and stream clients.
func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "cli", "token subject")
	scopes := fs.String("scopes", auth.ScopeRead, "comma-separated scopes (read, stream, admin)")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = fs.Parse(args)

	v, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	secret := v.GetString("auth.jwt_secret")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "auth.jwt_secret is not set; the server would reject tokens signed with any other key")
		os.Exit(1)
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = v.GetDuration("auth.token_ttl")
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}

	tokens := auth.NewTokenService([]byte(secret), lifetime)
	token, err := tokens.IssueAccessToken(*subject, list...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	if _, err := tokens.ValidateAccessToken(token); err != nil {
		fmt.Fprintf(os.Stderr, "issued token does not validate: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
