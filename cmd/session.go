package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
)

var (
	sessionUserID string
	sessionRoles  []string
	sessionTTL    time.Duration
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage dashboard session tokens",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a session token with the configured signing key",
	Long: `Signs a dashboard session for --user with session.signing_key from --config.
Intended for operators and local development, the marketplace issues sessions in production.`,
	Example: `  revclaw session issue -c revclaw.yaml --user ops --role admin --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.LoadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.RequireSigningKey(); err != nil {
			return err
		}

		token, err := middleware.SignSession([]byte(cfg.Session.SigningKey), sessionUserID, sessionRoles, sessionTTL)
		if err != nil {
			return fmt.Errorf("signing session: %w", err)
		}
		log.Info().
			Str("user_id", sessionUserID).
			Strs("roles", sessionRoles).
			Msgf("%s session valid for %s", greenCheck, sessionTTL)
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionIssueCmd)

	sessionIssueCmd.Flags().StringVar(&sessionUserID, "user", "", "User ID the session is issued for")
	sessionIssueCmd.Flags().StringSliceVar(&sessionRoles, "role", nil, "Role to grant (repeatable)")
	sessionIssueCmd.Flags().DurationVar(&sessionTTL, "ttl", time.Hour, "Lifetime of the session")

	_ = sessionIssueCmd.MarkFlagRequired("user")
}
