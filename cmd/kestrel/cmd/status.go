package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status from a running daemon",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusResponse mirrors the daemon's GET /api/v1/accounts shape.
type statusResponse struct {
	Online   bool `json:"online"`
	Accounts []struct {
		AccountID   string `json:"account_id"`
		Email       string `json:"email"`
		Status      string `json:"status"`
		LastError   string `json:"last_error"`
		RetryCount  int    `json:"retry_count"`
		QueuedOps   int    `json:"queued_ops"`
		CachedCount int    `json:"cached_messages"`
	} `json:"accounts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/api/v1/accounts", cfg.Server.Addr)

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Server.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	conn := "online"
	if !status.Online {
		conn = "offline"
	}
	cmd.Printf("Connection: %s\n\n", conn)

	cmd.Printf("%-20s %-30s %-10s %-8s %-8s %s\n",
		"ID", "EMAIL", "STATUS", "QUEUED", "CACHED", "LAST ERROR")
	for _, acc := range status.Accounts {
		cmd.Printf("%-20s %-30s %-10s %-8d %-8d %s\n",
			acc.AccountID, acc.Email, acc.Status, acc.QueuedOps, acc.CachedCount, acc.LastError)
	}
	return nil
}
