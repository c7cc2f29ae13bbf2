// Command verimx verifies the deliverability of a single email address
// and prints the Public Result as pretty JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/verimx/verimx/config"
	"github.com/verimx/verimx/dns"
	"github.com/verimx/verimx/mapper"
	"github.com/verimx/verimx/verifier"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: verimx <email>")
		os.Exit(1)
	}
	email := os.Args[1]

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.New(config.WithLogger(logger))

	resolver := dns.New(cfg.DNSTiers, cfg.DNSLookupTimeout, cfg.Logger)

	v := verifier.Verify(context.Background(), email, verifier.Options{
		HELO:               cfg.DefaultHELO,
		SMTPPort:           cfg.SMTPPort,
		TCPConnectTimeout:  cfg.TCPConnectTimeout,
		ResponseTimeout:    cfg.SMTPResponseTimeout,
		ConnectionLifetime: cfg.ConnectionLifetime,
		MinDelay:           cfg.MinDelay,
		MaxDelay:           cfg.MaxDelay,
		Proxy:              cfg.Proxy,
		Resolver:           resolver,
		Logger:             cfg.Logger,
	})

	result := mapper.Map(v)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		printErrorAndExit(err)
	}
	fmt.Println(string(out))
}

func printErrorAndExit(err error) {
	payload := struct {
		Error          string `json:"error"`
		CanConnectSMTP bool   `json:"can_connect_smtp"`
		IsDeliverable  bool   `json:"is_deliverable"`
	}{Error: err.Error()}

	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(out))
	os.Exit(1)
}
