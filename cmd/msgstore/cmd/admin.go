package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"msgstore/pkg/engine"
	"msgstore/pkg/interaction"
	"msgstore/pkg/maintenance"
	"msgstore/pkg/migrations"
)

func init() {
	maintainCmd.Flags().Bool("compact", false, "compact after flushing (overrides maintenance.compact)")
	rootCmd.AddCommand(statsCmd, migrateCmd, maintainCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store size and record counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		db := a.DB()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "path:          %s\n", db.Path())
		fmt.Fprintf(out, "disk usage:    %s\n", humanize.IBytes(db.DiskUsage()))
		fmt.Fprintf(out, "memtable:      %s\n", humanize.IBytes(db.MemTableSize()))
		fmt.Fprintf(out, "l0 files:      %d\n", db.L0Files())
		fmt.Fprintf(out, "extensions:    %d\n", db.ExtensionCount())
		return db.Read(func(tx *engine.ReadTx) error {
			names, err := tx.Collections()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "collections:   %d\n", len(names))
			n, err := tx.Count(interaction.HeaderCollection)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "messages:      %s\n", humanize.Comma(int64(n)))
			if v, ok := migrations.StoredVersion(tx); ok {
				fmt.Fprintf(out, "store version: %s\n", v)
			}
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending migrations and list completed ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// opening read-write runs pending migrations
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		out := cmd.OutOrStdout()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			ids, err := migrations.Completed(tx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				at, _ := migrations.CompletedAt(tx, id)
				fmt.Fprintf(out, "%-30s %s\n", id, at.Local().Format(time.RFC3339))
			}
			if v, ok := migrations.StoredVersion(tx); ok {
				fmt.Fprintf(out, "store version: %s\n", v)
			}
			return nil
		})
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Flush, and optionally compact, the store now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config().Maintenance
		if cmd.Flags().Changed("compact") {
			cfg.Compact, _ = cmd.Flags().GetBool("compact")
		}
		res, err := maintenance.NewManager(context.Background(), a.DB(), cfg).Run()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disk %s -> %s in %s (compacted: %t)\n",
			humanize.IBytes(res.DiskBefore), humanize.IBytes(res.DiskAfter), res.Took.Round(time.Millisecond), res.Compacted)
		return nil
	},
}
