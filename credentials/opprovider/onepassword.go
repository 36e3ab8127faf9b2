// Package opprovider resolves credentials template secrets with the 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/asset-cache/credentials"
)

type config struct {
	binary  string
	account string
}

// Option configures the 1Password provider.
type Option func(*config)

// WithAccount selects the 1Password account when more than one is signed in.
func WithAccount(account string) Option {
	return func(c *config) {
		c.account = account
	}
}

// WithBinary overrides the path to the op executable.
func WithBinary(path string) Option {
	return func(c *config) {
		c.binary = path
	}
}

// WithOnePassword registers an "op" template function that resolves secrets
// using the 1Password CLI (`op read`), e.g. {{ op "op://vault/asset-cache/token" | json }}.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op"}
	for _, opt := range opts {
		opt(&cfg)
	}

	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		args := []string{"read", "--no-newline"}
		if cfg.account != "" {
			args = append(args, "--account", cfg.account)
		}
		args = append(args, ref)

		cmd := exec.CommandContext(ctx, cfg.binary, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
