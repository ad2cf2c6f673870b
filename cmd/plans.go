package cmd

import (
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

var (
	planListOpts      client.ListOptions
	planExecuteIntent string
)

var plansCmd = &cobra.Command{
	Use:     "plans",
	Aliases: []string{"plan"},
	Short:   "Review multi-step plans proposed by your agents",
}

var plansListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List plans of your installations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		plans, err := cli.ListPlans(cmd.Context(), planListOpts)
		if err != nil {
			return logError(err, "failed to list plans")
		}

		t := newTable(table.Row{"ID", "Steps", "Status", "Hash", "Created", "Expires"})
		for _, p := range plans {
			t.AppendRow(table.Row{
				p.ID,
				len(p.IntentIDs),
				colorPlanStatus(p.Status),
				truncate(p.PlanHash, 16),
				formatTime(&p.CreatedAt),
				formatTime(&p.ExpiresAt),
			})
		}
		applyTableFormat(t)
		t.Render()
		return nil
	},
}

var plansGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a plan and its ordered intents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		plan, err := cli.Plan(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get plan")
		}
		return printJSON(plan)
	},
}

var plansApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decidePlan(cmd, args[0], true)
	},
}

var plansDenyCmd = &cobra.Command{
	Use:   "deny ID",
	Short: "Deny a pending plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decidePlan(cmd, args[0], false)
	},
}

var plansExecuteCmd = &cobra.Command{
	Use:   "execute ID",
	Short: "Execute an approved plan with an approved execute_plan intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetClient()
		if err != nil {
			return err
		}
		plan, err := cli.ExecutePlanAsOwner(cmd.Context(), args[0], planExecuteIntent)
		if err != nil {
			return logError(err, "plan execution refused")
		}
		logSuccess("executed plan %s (%s)", bold(plan.ID), strings.Join(plan.IntentIDs, ", "))
		return nil
	},
}

func decidePlan(cmd *cobra.Command, id string, approve bool) error {
	cli, err := f.GetClient()
	if err != nil {
		return err
	}
	decide, verb := cli.DenyPlan, "denied"
	if approve {
		decide, verb = cli.ApprovePlan, "approved"
	}
	plan, err := decide(cmd.Context(), id)
	if err != nil {
		return logError(err, "decision failed")
	}
	logSuccess("%s plan %s", verb, bold(plan.ID))
	return nil
}

func colorPlanStatus(s core.PlanStatus) string {
	switch s {
	case core.PlanApproved:
		return color.GreenString(string(s))
	case core.PlanPending:
		return color.YellowString(string(s))
	case core.PlanDenied:
		return color.RedString(string(s))
	case core.PlanExecuted:
		return color.BlueString(string(s))
	default:
		return faint(string(s))
	}
}

func init() {
	rootCmd.AddCommand(plansCmd)
	plansCmd.AddCommand(plansListCmd, plansGetCmd, plansApproveCmd, plansDenyCmd, plansExecuteCmd)

	flags := plansListCmd.Flags()
	flags.StringVar(&planListOpts.InstallationID, "installation", "", "Only list plans of this installation")
	flags.StringSliceVar(&planListOpts.Statuses, "status", nil, "Filter by status")
	flags.IntVarP(&planListOpts.Limit, "limit", "n", 50, "Maximum number of plans")

	plansExecuteCmd.Flags().StringVar(&planExecuteIntent, "intent", "", "ID of the approved execute_plan intent")
	_ = plansExecuteCmd.MarkFlagRequired("intent")
}
