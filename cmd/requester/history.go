package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/requester/pkg/config"
	"github.com/Sternrassler/requester/pkg/history"
)

func newHistoryCmd(c *cli) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the request history",
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded requests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.cfg.HistoryEnabled() {
				return errHistoryDisabled
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.Entries(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				keyed := make([]keyedEntry, len(entries))
				for i, e := range entries {
					keyed[i] = keyedEntry{Key: e.Key, Entry: e}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(keyed)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Key", "Code", "Recorded", "Env")
			for _, e := range entries {
				recorded := time.Unix(e.Timestamp, 0).Format(time.DateTime)
				p := e.Provenance()
				if err := table.Append(e.Key, strconv.Itoa(e.Code), recorded, envSummary(p.EnvString, p.File, p.EnvFile)); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	historyCmd.AddCommand(listCmd)
	return historyCmd
}

type keyedEntry struct {
	Key string `json:"key"`
	history.Entry
}

// envSummary names the environment sources an entry was recorded with.
func envSummary(inline, file, envFile string) string {
	switch {
	case envFile != "":
		return envFile
	case file != "":
		return file
	case inline != "":
		return "inline"
	default:
		return "-"
	}
}

func newConfigCmd(c *cli) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Encode(cmd.OutOrStdout(), c.cfg); err != nil {
				return fmt.Errorf("show config: %w", err)
			}
			return nil
		},
	})

	return configCmd
}
