package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var auditInspectCmd = &cobra.Command{
	Use:     "inspect SUBJECT-ID",
	Short:   "Show the full history of an intent, plan, installation or claim",
	Example: `  revclaw audit inspect 0b6c7a9e-2f43-4c1e-9d53-4b1f3c0a2e11`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectID := args[0]
		if subjectID == "" {
			return fmt.Errorf("subject ID cannot be empty")
		}

		log.Debug().Msgf("Retrieving entries for subject '%s'...", subjectID)
		entries, err := loadAudit(cmd, core.AuditFilter{SubjectID: subjectID})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			log.Warn().Str("subject_id", subjectID).Msg("no audit log entries found")
			return nil
		}

		red := color.New(color.FgRed).SprintFunc()
		printKV := func(key string, val any) {
			fmt.Printf("  %-26s %v\n", faint(key)+":", val)
		}

		fmt.Println(bold(fmt.Sprintf("\n── %s %s ──", entries[0].SubjectType, subjectID)))
		for _, e := range entries {
			fmt.Printf("\n%s %s\n", bold(fmt.Sprintf("#%d", e.Sequence)), e.Event)
			printKV("Time", e.Time.Local().Format(time.RFC1123))
			printKV("Actor", fmt.Sprintf("%s %s", e.ActorType, e.ActorID))
			if e.PayloadHash != "" {
				printKV("Payload Hash", e.PayloadHash)
			}
			if e.FailureKind != "" {
				printKV("Failure", red(e.FailureKind))
			}
			if len(e.Metadata) > 0 {
				keys := make([]string, 0, len(e.Metadata))
				for k := range e.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				printKV("Metadata", "")
				for _, k := range keys {
					fmt.Printf("       %-16s %v\n", faint(k)+":", e.Metadata[k])
				}
			}
			printKV("Entry Hash", faint(e.EntryHash))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditInspectCmd)
	f.bindAuditFileFlag(auditInspectCmd.Flags())
}
