package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"msgstore/pkg/engine"
	"msgstore/pkg/kv"
)

func init() {
	rmCmd.Flags().Bool("all", false, "remove every key in the collection")
	rmCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(getCmd, setCmd, rmCmd, collectionsCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <key>",
	Short: "Print the kind and value stored at a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			v, ok, err := kv.Lookup(tx, args[1], args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s/%s: not found", args[0], args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", v.Kind(), kv.Format(v))
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <collection> <key> <kind> <value>",
	Short: "Store a typed value",
	Long: `Store a typed value. Kinds: bool, int, date (RFC 3339), string, data (hex),
dictionary, key_pair, pre_key_record and signed_pre_key_record (JSON).`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := kv.ParseKind(args[2])
		if !ok {
			return fmt.Errorf("unknown kind %q", args[2])
		}
		v, err := kv.Parse(kind, args[3])
		if err != nil {
			return err
		}
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().ReadWrite(func(tx *engine.ReadWriteTx) error {
			return kv.SetValue(tx, args[1], args[0], v)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <collection> [key]",
	Short: "Remove a key, or a whole collection with --all",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")
		if all == (len(args) == 2) {
			return errors.New("give either a key or --all")
		}
		if all && !yes {
			ok, err := confirm(fmt.Sprintf("Remove every key in %q?", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
		}

		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().ReadWrite(func(tx *engine.ReadWriteTx) error {
			if all {
				return kv.NewStore(args[0]).RemoveAll(tx)
			}
			return kv.Remove(tx, args[1], args[0])
		})
	},
}

// confirm asks on an interactive terminal. Without one it refuses, so
// scripts have to pass --yes.
func confirm(question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("refusing to run without confirmation: stdin is not a terminal, pass --yes")
	}
	fmt.Printf("%s [y/N]: ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List collections and their key counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			names, err := tx.Collections()
			if err != nil {
				return err
			}
			for _, c := range names {
				n, err := tx.Count(c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %d\n", c, n)
			}
			return nil
		})
	},
}
