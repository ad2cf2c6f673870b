package cmd

import (
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

var intentListOpts client.ListOptions

var intentsCmd = &cobra.Command{
	Use:     "intents",
	Aliases: []string{"intent"},
	Short:   "Review the intents proposed by your agents",
}

var intentsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List intents of your installations",
	Example: `  revclaw intents list --status pending`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		intents, err := cli.ListIntents(cmd.Context(), intentListOpts)
		if err != nil {
			return logError(err, "failed to list intents")
		}

		t := newTable(table.Row{"ID", "Kind", "Category", "Status", "Created", "Expires"})
		for _, in := range intents {
			t.AppendRow(table.Row{
				in.ID,
				in.ActionKind,
				in.Category,
				colorIntentStatus(in.Status),
				formatTime(&in.CreatedAt),
				formatTime(&in.ExpiresAt),
			})
		}
		applyTableFormat(t)
		t.Render()
		return nil
	},
}

var intentsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show an intent with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		intent, err := cli.Intent(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get intent")
		}
		return printJSON(intent)
	},
}

var intentsApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideIntent(cmd, args[0], true)
	},
}

var intentsDenyCmd = &cobra.Command{
	Use:   "deny ID",
	Short: "Deny a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideIntent(cmd, args[0], false)
	},
}

func decideIntent(cmd *cobra.Command, id string, approve bool) error {
	cli, err := f.GetClient()
	if err != nil {
		return err
	}
	decide, verb := cli.DenyIntent, "denied"
	if approve {
		decide, verb = cli.ApproveIntent, "approved"
	}
	intent, err := decide(cmd.Context(), id)
	if err != nil {
		return logError(err, "decision failed")
	}
	logSuccess("%s %s intent %s", verb, intent.ActionKind, bold(intent.ID))
	return nil
}

func colorIntentStatus(s core.IntentStatus) string {
	switch s {
	case core.IntentApproved:
		return color.GreenString(string(s))
	case core.IntentPending:
		return color.YellowString(string(s))
	case core.IntentDenied:
		return color.RedString(string(s))
	case core.IntentConsumed:
		return color.BlueString(string(s))
	default:
		return faint(string(s))
	}
}

func init() {
	rootCmd.AddCommand(intentsCmd)
	intentsCmd.AddCommand(intentsListCmd, intentsGetCmd, intentsApproveCmd, intentsDenyCmd)

	flags := intentsListCmd.Flags()
	flags.StringVar(&intentListOpts.InstallationID, "installation", "", "Only list intents of this installation")
	flags.StringSliceVar(&intentListOpts.Statuses, "status", nil, "Filter by status (pending, approved, denied, expired, consumed)")
	flags.StringVar((*string)(&intentListOpts.Kind), "kind", "", "Filter by action kind")
	flags.IntVarP(&intentListOpts.Limit, "limit", "n", 50, "Maximum number of intents")
}
