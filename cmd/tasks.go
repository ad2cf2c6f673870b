package cmd

import (
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and trigger background tasks",
	Long:  `Background tasks keep expired intents, plans and claims in sync. Requires an admin session (revclaw login).`,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
