package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var (
	revokeReason string
	policyFile   string
)

var installationsCmd = &cobra.Command{
	Use:     "installations",
	Aliases: []string{"inst"},
	Short:   "Manage the agent installations bound to your account",
}

var installationsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your installations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		list, err := cli.ListInstallations(cmd.Context())
		if err != nil {
			return logError(err, "failed to list installations")
		}

		t := newTable(table.Row{"ID", "Name", "Status", "Scopes", "Daily Apply Limit", "Last Token"})
		for _, inst := range list {
			status := color.GreenString(string(inst.Status))
			if !inst.IsActive() {
				status = color.RedString(string(inst.Status))
			}
			limit := "unlimited"
			if inst.Policy.DailyApplyLimit > 0 {
				limit = fmt.Sprint(inst.Policy.DailyApplyLimit)
			}
			t.AppendRow(table.Row{
				inst.ID,
				bold(inst.Name),
				status,
				strings.Join(inst.Scopes, ", "),
				limit,
				formatTime(inst.LastTokenIssuedAt),
			})
		}
		applyTableFormat(t)
		t.Render()
		return nil
	},
}

var installationsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show an installation and its policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		inst, err := cli.Installation(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get installation")
		}
		return printJSON(inst)
	},
}

var installationsRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke an installation. Its credential and intent tokens stop working immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		inst, err := cli.RevokeInstallation(cmd.Context(), args[0], revokeReason)
		if err != nil {
			return logError(err, "failed to revoke installation")
		}
		logSuccess("revoked installation %s", bold(inst.Name))
		return nil
	},
}

var installationsRotateCmd = &cobra.Command{
	Use:   "rotate ID",
	Short: "Replace the agent credential of an installation",
	Long:  "Prints the new credential once. The previous credential stops working.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		credential, err := cli.RotateSecret(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to rotate secret")
		}
		logSuccess("rotated secret, hand the new credential to the agent")
		fmt.Println(credential)
		return nil
	},
}

var installationsPolicyCmd = &cobra.Command{
	Use:   "policy ID",
	Short: "Replace the policy of an installation from a YAML file",
	Example: `  cat policy.yaml
  require_approval_for_publish: true
  require_approval_for_apply: false
  daily_apply_limit: 10
  allowed_categories: [devtools, ai]

  revclaw installations policy 1f0c... --file policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return fmt.Errorf("reading policy file: %w", err)
		}
		var policy core.Policy
		if err := yaml.UnmarshalWithOptions(data, &policy, yaml.Strict()); err != nil {
			return fmt.Errorf("parsing policy file: %w", err)
		}

		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		inst, err := cli.UpdatePolicy(cmd.Context(), args[0], policy)
		if err != nil {
			return logError(err, "failed to update policy")
		}
		logSuccess("updated policy of %s", bold(inst.Name))
		return printJSON(inst.Policy)
	},
}

func init() {
	rootCmd.AddCommand(installationsCmd)
	installationsCmd.AddCommand(
		installationsListCmd,
		installationsGetCmd,
		installationsRevokeCmd,
		installationsRotateCmd,
		installationsPolicyCmd,
	)

	installationsRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Reason recorded in the audit log")
	installationsPolicyCmd.Flags().StringVarP(&policyFile, "file", "f", "", "Policy YAML file")
	_ = installationsPolicyCmd.MarkFlagRequired("file")
}
