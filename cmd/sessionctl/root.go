package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/logger"
	"golang.org/x/term"
)

// validFormats are the accepted values of --format.
var validFormats = []string{"text", "json"}

// rootOptions holds global flags and the state shared by every subcommand.
type rootOptions struct {
	Format       string
	PromptSecret bool
	Verbose      bool

	cfg *config.Config
	log zerolog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Operate the exam session service",
		Long: `sessionctl talks to the session service's PostgreSQL and Redis directly.

Configuration is read from the same environment variables (and .env file)
as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			opts.cfg = config.Load()
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			opts.log = logger.SetupTo(cmd.ErrOrStderr(), level, "pretty")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.PromptSecret, "prompt-secret", false, "read JWT_SECRET from the terminal instead of the environment")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging on stderr")

	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newTimelineCommand(opts))
	cmd.AddCommand(newFlaggedCommand(opts))
	cmd.AddCommand(newForceSubmitCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// printJSON writes v indented, followed by a newline.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var errNoTerminal = errors.New("JWT_SECRET is not set and stdin is not a terminal")

// resolveSecret returns the signing secret. The terminal is asked when
// --prompt-secret is set or the environment carries no JWT_SECRET.
func (o *rootOptions) resolveSecret(prompt io.Writer) (string, error) {
	if !o.PromptSecret && os.Getenv("JWT_SECRET") != "" {
		return o.cfg.JWTSecret, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(prompt, "JWT secret: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
