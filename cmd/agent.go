package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/cliconfig"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

var (
	agentName           string
	agentScopes         []string
	agentPayload        string
	agentIdempotencyKey string
	agentIntentToken    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Act as an agent against a RevClaw server",
	Long: `Commands an agent would run: register, propose intents and plans, and perform
guarded actions. They authenticate with the installation credential saved by
'revclaw agent register', or with REVCLAW_AGENT_CREDENTIAL.`,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and print the claim link for its human",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := f.serverAddr()
		if err != nil {
			return err
		}
		reg, err := client.New(server).RegisterAgent(cmd.Context(), agentName, agentScopes)
		if err != nil {
			return logError(err, "registration failed")
		}

		cfg, err := cliconfig.LoadOrEmpty()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Update(server, func(c *cliconfig.Credential) {
			c.Agent = reg.Credential
		}); err != nil {
			return err
		}
		if err := cliconfig.Save(cfg); err != nil {
			log.Warn().Err(err).Msg("could not save agent credential, keep it from the output below")
			fmt.Println(reg.Credential)
		}

		logSuccess("registered agent %s", bold(agentName))
		fmt.Printf("  %s: %s\n", faint("Claim"), reg.ClaimID)
		fmt.Printf("  %s: %s\n", faint("Open"), reg.ClaimURL)
		fmt.Printf("  %s: %s\n", faint("Expires"), formatTime(&reg.ExpiresAt))
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status CLAIM-ID",
	Short: "Check whether the claim was approved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetAgentClient()
		if err != nil {
			return err
		}
		status, err := cli.ClaimStatus(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get claim status")
		}
		if status.Status != core.ClaimClaimed {
			log.Info().Msgf("claim is %s", status.Status)
			return nil
		}
		logSuccess("claimed, installation %s", bold(status.InstallationID))
		return nil
	},
}

var agentProposeCmd = &cobra.Command{
	Use:   "propose KIND",
	Short: "Propose an intent and print its single-use token",
	Example: `  revclaw agent propose publish_project \
    --payload '{"project_id":"p1","title":"Launch","category":"devtools","rev_share_bps":1500}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(core.ActionKind(args[0]))
		if err != nil {
			return err
		}
		cli, err := f.GetAgentClient()
		if err != nil {
			return err
		}
		res, err := cli.CreateIntent(cmd.Context(), payload, agentIdempotencyKey)
		if err != nil {
			return logError(err, "intent rejected")
		}

		if res.Replayed {
			log.Warn().Msgf("idempotency key matched intent %s, no new token was issued", res.Intent.ID)
			return printJSON(res.Intent)
		}
		logSuccess("intent %s is %s", bold(res.Intent.ID), colorIntentStatus(res.Intent.Status))
		fmt.Println(res.Token)
		return nil
	},
}

var agentActCmd = &cobra.Command{
	Use:   "act KIND",
	Short: "Perform a guarded action, spending the intent behind --token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(core.ActionKind(args[0]))
		if err != nil {
			return err
		}
		cli, err := f.GetAgentClient()
		if err != nil {
			return err
		}
		res, err := cli.PerformAction(cmd.Context(), agentIntentToken, payload)
		if err != nil {
			return logError(err, "action refused")
		}
		logSuccess("performed %s", res.Kind)
		return printJSON(res)
	},
}

var agentPlanCmd = &cobra.Command{
	Use:   "plan INTENT-ID...",
	Short: "Bundle intents into a plan that a human approves as a whole",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetAgentClient()
		if err != nil {
			return err
		}
		plan, err := cli.CreatePlan(cmd.Context(), args...)
		if err != nil {
			return logError(err, "plan rejected")
		}
		logSuccess("plan %s over %s", bold(plan.ID), strings.Join(plan.IntentIDs, " → "))
		return printJSON(plan)
	},
}

var agentExecuteCmd = &cobra.Command{
	Use:   "execute PLAN-ID",
	Short: "Execute an approved plan, spending the execute_plan intent behind --token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.GetAgentClient()
		if err != nil {
			return err
		}
		plan, err := cli.AgentPlan(cmd.Context(), args[0])
		if err != nil {
			return logError(err, "failed to get plan")
		}
		executed, err := cli.ExecutePlan(cmd.Context(), agentIntentToken, plan)
		if err != nil {
			return logError(err, "plan execution refused")
		}
		logSuccess("executed plan %s", bold(executed.ID))
		return nil
	},
}

// readPayload decodes --payload, or the file after '@', as the payload of kind.
func readPayload(kind core.ActionKind) (core.Payload, error) {
	raw := []byte(agentPayload)
	if path, ok := strings.CutPrefix(agentPayload, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("--payload is required")
	}
	return core.DecodePayload(kind, raw)
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentRegisterCmd, agentStatusCmd, agentProposeCmd, agentActCmd, agentPlanCmd, agentExecuteCmd)

	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "Display name of the agent")
	agentRegisterCmd.Flags().StringSliceVar(&agentScopes, "scope", nil, "Scope to request (repeatable), e.g. projects:publish")
	_ = agentRegisterCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{agentProposeCmd, agentActCmd} {
		c.Flags().StringVarP(&agentPayload, "payload", "p", "", "JSON payload, or @file")
	}
	agentProposeCmd.Flags().StringVar(&agentIdempotencyKey, "idempotency-key", "", "Return the existing intent when retried with the same key")

	for _, c := range []*cobra.Command{agentActCmd, agentExecuteCmd} {
		c.Flags().StringVar(&agentIntentToken, "token", "", "Intent token returned by 'agent propose'")
		_ = c.MarkFlagRequired("token")
	}
}
