package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"report-stream/internal/config"
	"report-stream/internal/middleware"
)

func newTokenCmd(getenv func(string) string) *cobra.Command {
	var (
		secret   string
		issuer   string
		audience string
		subject  string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the export service",
		Long: `Signs a short-lived HS256 token with the shared secret, the same way the
relay does. Flags default to TOKEN_SECRET, TOKEN_ISSUER and TOKEN_AUDIENCE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := middleware.NewSigner(secret, issuer, audience, ttl)
			if err != nil {
				return err
			}
			token, err := signer.Sign(subject)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"token":      token,
					"expires_in": int(ttl.Seconds()),
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr(getenv, "TOKEN_SECRET", config.DevTokenSecret), "Shared HS256 secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr(getenv, "TOKEN_ISSUER", "report-relay"), "Token issuer")
	cmd.Flags().StringVar(&audience, "audience", envOr(getenv, "TOKEN_AUDIENCE", "report-export"), "Token audience")
	cmd.Flags().StringVar(&subject, "subject", "reportctl", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "Token lifetime")
	return cmd
}
