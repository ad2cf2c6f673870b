package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

var (
	greenCheck = color.GreenString("✔")
	redCross   = color.RedString("✘")

	bold  = color.New(color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

// BeQuietError ends a command with a failure that was already reported.
type BeQuietError struct{}

func (BeQuietError) Error() string {
	return "command failed"
}

// logError reports a failed server call with its correlation id.
func logError(err error, msg string) error {
	ev := log.Error().Err(err)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		ev = ev.Str("correlation_id", apiErr.CorrelationID)
		if apiErr.Kind != "" {
			ev = ev.Str("kind", string(apiErr.Kind))
		}
	}
	ev.Msgf("%s %s", redCross, msg)
	return BeQuietError{}
}

func logSuccess(format string, args ...any) {
	log.Info().Msgf("%s %s", greenCheck, fmt.Sprintf(format, args...))
}

func applyTableFormat(t table.Writer) {
	t.SetStyle(table.StyleLight)
	t.Style().Options.DrawBorder = false
	t.Style().Format.Header = 0
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(header)
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return faint("-")
	}
	return t.Local().Format(time.DateTime)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
