package cmd

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/cliconfig"
	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

var loginCmd = &cobra.Command{
	Use:   "login SESSION-TOKEN",
	Short: "Save a dashboard session token for a RevClaw server",
	Long: `Checks the session token against the server and saves it locally, so later
dashboard and admin commands are authenticated. Tokens are issued by the
marketplace, or locally with 'revclaw session issue'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}

		server, err := f.serverAddr()
		if err != nil {
			return err
		}
		u, err := url.Parse(server)
		if err != nil {
			return fmt.Errorf("parsing server URL: %w", err)
		}

		log.Info().Msgf("Checking session against server %q...", u.Host)
		if _, err := client.New(server, client.WithAuthToken(token)).ListInstallations(cmd.Context()); err != nil {
			if errors.Is(err, client.ErrInvalidSession) {
				log.Error().Msgf("%s the server rejected the session token", redCross)
				return BeQuietError{}
			}
			return logError(err, "failed to check session")
		}

		cfg, err := cliconfig.LoadOrEmpty()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Update(server, func(c *cliconfig.Credential) {
			c.Session = token
		}); err != nil {
			return err
		}
		if err := cliconfig.Save(cfg); err != nil {
			log.Error().Err(err).Msgf("%s login succeeded but could not save credentials", redCross)
			return BeQuietError{}
		}

		logSuccess("saved credentials for %s", bold(u.Host))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
