//go:build debug

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"msgstore/pkg/engine"
	"msgstore/pkg/kv"
)

func init() {
	rootCmd.AddCommand(snapshotCmd, restoreCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <collection> <file>",
	Short: "Write a collection to a YAML snapshot file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.DB().Read(func(tx *engine.ReadTx) error {
			return kv.SnapshotCollection(tx, args[0], args[1])
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <collection> <file>",
	Short: "Replace a collection with the contents of a snapshot file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().ReadWrite(func(tx *engine.ReadWriteTx) error {
			return kv.RestoreSnapshotOfCollection(tx, args[0], args[1])
		})
	},
}
