package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/audit"
)

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain and report the first broken link",
	Example: `  revclaw audit verify --server https://revshare.example.com
  revclaw audit verify --file /var/lib/revclaw/audit.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res *audit.VerifyResult
		if f.AuditFile != "" {
			entries, err := audit.ReadFile(f.AuditFile)
			if err != nil {
				return err
			}
			res = audit.Verify(entries)
		} else {
			cli, err := f.GetClient()
			if err != nil {
				return err
			}
			log.Info().Msg("Verifying audit chain on the server...")
			if res, err = cli.VerifyAudit(cmd.Context()); err != nil {
				return logError(err, "failed to verify audit chain")
			}
		}

		if !res.Valid {
			log.Error().
				Uint64("broken_at", res.BrokenAt).
				Str("reason", res.Reason).
				Msgf("%s audit chain is broken", redCross)
			return BeQuietError{}
		}
		logSuccess("audit chain is intact (%d entries)", res.Entries)
		if res.Head != "" {
			fmt.Printf("  %s: %s\n", faint("Head"), res.Head)
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	f.bindAuditFileFlag(auditVerifyCmd.Flags())
}
