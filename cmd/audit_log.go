package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var auditLogFilter core.AuditFilter

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Retrieve and display audit log entries",
	Example: `  revclaw audit log --subject-type intent -n 50
  revclaw audit log --file audit.jsonl --event enforcement.rejected`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := loadAudit(cmd, auditLogFilter)
		if err != nil {
			return err
		}
		log.Info().Msgf("Retrieved %d audit entries", len(entries))

		t := newTable(table.Row{"Seq", "Time", "Event", "Subject", "Actor", "Failure"})
		for _, e := range entries {
			event := string(e.Event)
			if e.FailureKind != "" {
				event = color.RedString(event)
			}
			t.AppendRow(table.Row{
				e.Sequence,
				e.Time.Local().Format(time.DateTime),
				event,
				string(e.SubjectType) + "/" + truncate(e.SubjectID, 36),
				string(e.ActorType) + ":" + truncate(e.ActorID, 36),
				string(e.FailureKind),
			})
		}
		applyTableFormat(t)
		t.Render()
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditLogCmd)

	flags := auditLogCmd.Flags()
	flags.IntVarP(&auditLogFilter.Limit, "limit", "n", 25, "Number of audit entries to retrieve")
	flags.Uint64Var(&auditLogFilter.AfterSequence, "after", 0, "Only show entries after this sequence")
	flags.StringVar((*string)(&auditLogFilter.SubjectType), "subject-type", "", "Filter by subject type (intent, plan, installation, claim)")
	flags.StringVar(&auditLogFilter.SubjectID, "subject", "", "Filter by subject ID")
	flags.StringVar((*string)(&auditLogFilter.Event), "event", "", "Filter by event, e.g. intent.approved")
	flags.StringVar(&auditLogFilter.ActorID, "actor", "", "Filter by actor ID")
	f.bindAuditFileFlag(flags)
}
