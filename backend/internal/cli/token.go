package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collabsync/backend/config"
	"collabsync/backend/internal/authn"
)

type TokenOptions struct {
	*RootOptions
	UserID   uint64
	Username string
	TTL      time.Duration
}

// NewTokenCommand mints an access token for auth.mode=jwt deployments.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthJWT {
				return errors.New("token requires auth.mode=jwt")
			}
			tok, err := authn.NewJWTVerifier(cfg.Auth.Secret).Sign(opts.UserID, opts.Username, opts.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&opts.UserID, "user", 1, "user id")
	cmd.Flags().StringVar(&opts.Username, "name", "dev", "username")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
