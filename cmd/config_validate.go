package cmd

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Parses the file given with --config, applies defaults and compiles every guardrail.
Pass --server-ready to also require the settings only the server needs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.LoadConfig()
		if err != nil {
			log.Error().Err(err).Msgf("%s configuration is invalid", redCross)
			return BeQuietError{}
		}
		if serverReady, _ := cmd.Flags().GetBool("server-ready"); serverReady {
			if err := cfg.RequireSigningKey(); err != nil {
				log.Error().Err(err).Msgf("%s configuration is not ready for serving", redCross)
				return BeQuietError{}
			}
		}
		logSuccess("configuration is valid (%d guardrails, store: %s)", len(cfg.Guardrails), bold(cfg.Store.Type))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Session.SigningKey != "" {
			cfg.Session.SigningKey = "<redacted>"
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	configValidateCmd.Flags().Bool("server-ready", false, "Also require a session signing key")
}
