package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

var (
	syncForce   bool
	syncAccount string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Syncs every enabled account once (or a single account with
--account) and prints a per-account summary. Useful for cron and for
checking credentials without starting the daemon.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncAccount, "account", "a", "", "sync only this account id")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "preempt an in-flight sync")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, _, _, events, err := buildEngine()
	if err != nil {
		return err
	}
	defer orch.Close()
	defer events.Close()

	if syncAccount != "" {
		res, err := orch.SyncAccount(ctx, syncAccount, syncForce)
		if err != nil {
			return err
		}
		printResult(cmd, res)
		if !res.Success {
			return fmt.Errorf("sync failed: %s", res.Error)
		}
		return nil
	}

	var failed int
	for _, res := range orch.SyncAll(ctx) {
		printResult(cmd, res)
		if res == nil || !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d account(s) failed to sync", failed)
	}
	return nil
}

func printResult(cmd *cobra.Command, res *kestrelsync.Result) {
	if res == nil {
		return
	}
	if !res.Success {
		cmd.Printf("%-20s %-12s FAILED  %s\n", res.AccountID, res.Kind, res.Error)
		return
	}
	cmd.Printf("%-20s %-12s ok      new=%d updated=%d deleted=%d in %s\n",
		res.AccountID, res.Kind,
		len(res.NewMessageIDs), len(res.UpdatedMessageIDs), len(res.DeletedMessageIDs),
		res.Duration.Round(time.Millisecond))
}
