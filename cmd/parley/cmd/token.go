package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/auth"
	"github.com/nfrund/parley/internal/config"
)

var (
	tokenUser   string
	tokenTenant string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development identity token",
	Long: `Mint an HS256 identity token signed with JWT_SECRET.

Examples:
  parley token --user alice
  parley token --user bob --tenant acme --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}

		verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return err
		}
		token, err := verifier.Issue(tokenUser, tokenTenant, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "identity id (token subject)")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant the identity belongs to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
