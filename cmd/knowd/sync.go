package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the team knowledge service",
	Long: `Run a single reconciliation pass: push unsynced proposals, pull
approved knowledge and proposal decisions, and share team memory.

Examples:
  # Sync once and print the report
  knowd sync`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	if d.reconciler == nil {
		return fmt.Errorf("no team configured: set team.enabled, team.id, team.base_url and team.token")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.Sync.Timeout.Duration())
	defer cancel()

	report, err := d.reconciler.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	cmd.Println(string(out))
	return nil
}
