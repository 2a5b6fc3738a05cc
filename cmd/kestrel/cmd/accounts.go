package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kestrelmail/kestrel/internal/auth"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured accounts",
	RunE:  runAccounts,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	tokens := auth.NewFileTokens(cfg.TokensDir())

	if len(cfg.Accounts) == 0 {
		cmd.Println("No accounts configured. Add [[accounts]] entries to config.toml.")
		return nil
	}

	cmd.Printf("%-20s %-30s %-10s %-12s %s\n", "ID", "EMAIL", "ENABLED", "AUTH", "SCHEDULE")
	for _, acc := range cfg.Accounts {
		authState := "missing"
		if tokens.IsAuthenticated(acc.ID) {
			authState = "ok"
		}
		enabled := "no"
		if acc.Enabled {
			enabled = "yes"
		}
		cmd.Printf("%-20s %-30s %-10s %-12s %s\n",
			acc.ID, acc.Email, enabled, authState, cfg.ScheduleFor(acc.ID))
	}
	return nil
}
