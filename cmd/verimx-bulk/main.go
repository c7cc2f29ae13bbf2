// Command verimx-bulk verifies every address in a file, fanning out a
// bounded number of verifications in parallel, and writes results.json.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/verimx/verimx/config"
	"github.com/verimx/verimx/dns"
	"github.com/verimx/verimx/mapper"
	"github.com/verimx/verimx/verifier"
)

const batchSize = 20

// bulkResult is one line of the results.json array: either the mapped
// Public Result merged with the source email, or an error record.
type bulkResult struct {
	Email          string `json:"email"`
	Error          string `json:"error,omitempty"`
	CanConnectSMTP bool   `json:"can_connect_smtp"`
	IsDeliverable  bool   `json:"is_deliverable"`
	IsCatchAll     bool   `json:"is_catch_all"`
	HasFullInbox   bool   `json:"has_full_inbox"`
	IsDisabled     bool   `json:"is_disabled"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: verimx-bulk <path>")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.New(config.WithLogger(logger))
	resolver := dns.New(cfg.DNSTiers, cfg.DNSLookupTimeout, cfg.Logger)

	emails, err := readAddresses(os.Args[1])
	if err != nil {
		logger.Error("failed to read input file", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("loaded addresses", slog.Int("count", len(emails)))

	results := verifyAll(context.Background(), emails, cfg, resolver, logger)

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		logger.Error("failed to marshal results", slog.Any("error", err))
		os.Exit(1)
	}
	if err := os.WriteFile("results.json", out, 0o644); err != nil {
		logger.Error("failed to write results.json", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("done", slog.Int("results", len(results)))
}

// readAddresses keeps non-empty, trimmed lines containing '@'.
func readAddresses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var emails []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.Contains(line, "@") {
			emails = append(emails, line)
		}
	}
	return emails, scanner.Err()
}

// verifyAll fans out verifications with a semaphore-bounded concurrency
// ceiling of batchSize, per spec.md §5's bulk concurrency model.
func verifyAll(ctx context.Context, emails []string, cfg config.Config, resolver verifier.MXResolver, logger *slog.Logger) []bulkResult {
	results := make([]bulkResult, len(emails))
	sem := semaphore.NewWeighted(batchSize)
	done := make(chan struct{}, len(emails))

	for i, email := range emails {
		i, email := i, email
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = bulkResult{Email: email, Error: err.Error()}
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()

			v := verifier.Verify(ctx, email, verifier.Options{
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
			r := mapper.Map(v)
			results[i] = bulkResult{
				Email:          email,
				CanConnectSMTP: r.CanConnectSMTP,
				IsDeliverable:  r.IsDeliverable,
				IsCatchAll:     r.IsCatchAll,
				HasFullInbox:   r.HasFullInbox,
				IsDisabled:     r.IsDisabled,
			}
			logger.Info("verified", slog.String("email", email), slog.String("status", v.Status.String()))
		}()
	}

	for range emails {
		<-done
	}
	return results
}
