package cmd

import (
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read and verify the audit chain",
	Long: `View and verify the hash-chained audit log, either on the server (requires an
admin session, see 'revclaw login') or in a local mirror file (--file).`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}

// loadAudit returns entries matching filter from the mirror file or the server.
func loadAudit(cmd *cobra.Command, filter core.AuditFilter) ([]core.AuditEntry, error) {
	if f.AuditFile != "" {
		entries, err := audit.ReadFile(f.AuditFile)
		if err != nil {
			return nil, err
		}
		var out []core.AuditEntry
		for i := range entries {
			if !filter.Matches(&entries[i]) {
				continue
			}
			out = append(out, entries[i])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return out, nil
	}

	cli, err := f.GetClient()
	if err != nil {
		return nil, err
	}
	entries, err := cli.ListAudit(cmd.Context(), filter)
	if err != nil {
		return nil, logError(err, "failed to retrieve audit entries")
	}
	return entries, nil
}
