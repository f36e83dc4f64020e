package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/service"
)

type tokenOptions struct {
	*rootOptions
	UserID      int
	ClassID     int
	RoleID      int
	Permissions []string
}

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tokenOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <student|admin>",
		Short: "Mint a signed access token for testing",
		Long: `Mint a JWT the session service accepts.

Examples:
  sessionctl token student --id 42 --class 3
  sessionctl token admin --id 1 --perm attempts:read --perm exams:monitor
  sessionctl token admin --id 1 --prompt-secret`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"student", "admin"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.UserID, "id", 0, "student or admin id (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().IntVar(&opts.ClassID, "class", 0, "class id (student tokens)")
	cmd.Flags().IntVar(&opts.RoleID, "role", 1, "role id (admin tokens)")
	cmd.Flags().StringSliceVar(&opts.Permissions, "perm", nil, "permission code (admin tokens, repeatable; default all)")

	return cmd
}

func runToken(opts *tokenOptions, cmd *cobra.Command, kind string) error {
	if opts.UserID <= 0 {
		return fmt.Errorf("--id must be positive")
	}
	secret, err := opts.resolveSecret(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg := *opts.cfg
	cfg.JWTSecret = secret
	auth := service.NewAuthService(&cfg, nil)

	var token string
	switch kind {
	case "student":
		token, err = auth.GenerateStudentToken(opts.UserID, opts.ClassID)
	case "admin":
		perms, permErr := parsePermissions(opts.Permissions)
		if permErr != nil {
			return permErr
		}
		token, err = auth.GenerateAdminToken(opts.UserID, opts.RoleID, perms)
	default:
		return fmt.Errorf("unknown token kind %q: must be student or admin", kind)
	}
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"token_type": kind,
			"user_id":    opts.UserID,
			"expires_in": int(cfg.JWTExpiry.Seconds()),
			"token":      token,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// parsePermissions checks codes against the known set. No codes means all.
func parsePermissions(codes []string) ([]string, error) {
	if len(codes) == 0 {
		return model.PermissionCodes(model.AllPermissions...), nil
	}
	known := make(map[string]bool, len(model.AllPermissions))
	for _, p := range model.AllPermissions {
		known[string(p)] = true
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if !known[c] {
			return nil, fmt.Errorf("unknown permission %q", c)
		}
		out = append(out, c)
	}
	return out, nil
}
