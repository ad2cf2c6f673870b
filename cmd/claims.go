package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var claimsCmd = &cobra.Command{
	Use:     "claims",
	Aliases: []string{"claim"},
	Short:   "Review and approve agent onboarding claims",
}

var claimsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show what an agent asked for when it registered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		claim, err := cli.Claim(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get claim")
		}

		fmt.Println(bold("\n── Claim ──"))
		fmt.Printf("  %-24s %s\n", faint("Agent")+":", claim.Name)
		fmt.Printf("  %-24s %s\n", faint("Status")+":", claim.Status)
		fmt.Printf("  %-24s %s\n", faint("Scopes")+":", strings.Join(claim.RequestedScopes, ", "))
		fmt.Printf("  %-24s %s\n", faint("Expires")+":", formatTime(&claim.ExpiresAt))
		if claim.Status == core.ClaimClaimed {
			fmt.Printf("  %-24s %s\n", faint("Installation")+":", claim.InstallationID)
		}
		fmt.Println()
		return nil
	},
}

var claimsApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Bind the agent to your account with the server default policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		inst, err := cli.ApproveClaim(cmd.Context(), args[0], nil)
		if err != nil {
			return logError(err, "failed to approve claim")
		}
		logSuccess("installation %s of agent %s is active", bold(inst.ID), bold(inst.Name))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(claimsCmd)
	claimsCmd.AddCommand(claimsGetCmd, claimsApproveCmd)
}
