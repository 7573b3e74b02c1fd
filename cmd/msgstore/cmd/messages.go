package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"msgstore/pkg/engine"
	"msgstore/pkg/interaction"
)

func init() {
	messagesCmd.Flags().IntP("limit", "n", 0, "print at most n messages (0 for all)")
	searchCmd.Flags().IntP("limit", "n", 50, "print at most n matches")
	rootCmd.AddCommand(messagesCmd, threadsCmd, searchCmd, verifyCmd)
}

func printMessage(w io.Writer, m interaction.Message) {
	b := m.Base()
	bv, sv := m.SchemaVersions()
	ts := time.UnixMilli(int64(b.Timestamp)).UTC().Format(time.RFC3339)
	fmt.Fprintf(w, "%s  %-40s %-24s v%d.%d  %q\n", ts, b.UniqueID, m.RecordType(), bv, sv, b.Body)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <thread>",
	Short: "List a thread's messages in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			n := 0
			return interaction.EnumerateThread(tx, args[0], func(m interaction.Message, _ int) bool {
				printMessage(cmd.OutOrStdout(), m)
				n++
				return limit <= 0 || n < limit
			})
		})
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads with message and unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			threads, err := interaction.Threads(tx)
			if err != nil {
				return err
			}
			for _, t := range threads {
				total, err := interaction.CountThread(tx, t)
				if err != nil {
					return err
				}
				unread, err := interaction.UnreadCount(tx, t)
				if err != nil && !errors.Is(err, interaction.ErrIndexUnavailable) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %6d %6d unread\n", t, total, unread)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over message bodies",
	Long: `Full-text search over message bodies. Every word must match; a trailing
'*' makes the last word a prefix.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.DB().Read(func(tx *engine.ReadTx) error {
			n := 0
			return interaction.Search(tx, strings.Join(args, " "), func(m interaction.Message) bool {
				printMessage(cmd.OutOrStdout(), m)
				n++
				return limit <= 0 || n < limit
			})
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decode every stored message and report the ones that fail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		var (
			ok, deprecated int
			behind         int
			failures       = map[string][]string{}
		)
		current := interaction.CurrentVersions()
		err = a.DB().Read(func(tx *engine.ReadTx) error {
			return interaction.Enumerate(tx, func(id string, m interaction.Message, err error) bool {
				if err != nil {
					cause := "other"
					var de *interaction.DecodeError
					if errors.As(err, &de) {
						cause = sentinelName(de.Err)
					}
					failures[cause] = append(failures[cause], id)
					return true
				}
				ok++
				if m.RecordType().Deprecated() {
					deprecated++
				}
				bv, sv := m.SchemaVersions()
				if want := current[m.RecordType()]; bv < want[0] || sv < want[1] {
					behind++
				}
				return true
			})
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "decoded:    %d\n", ok)
		fmt.Fprintf(out, "deprecated: %d\n", deprecated)
		fmt.Fprintf(out, "behind:     %d\n", behind)
		if len(failures) == 0 {
			fmt.Fprintln(out, "failed:     0")
			return nil
		}
		causes := make([]string, 0, len(failures))
		total := 0
		for c, ids := range failures {
			causes = append(causes, c)
			total += len(ids)
		}
		sort.Strings(causes)
		fmt.Fprintf(out, "failed:     %d\n", total)
		for _, c := range causes {
			fmt.Fprintf(out, "  %s (%d)\n", c, len(failures[c]))
			for _, id := range failures[c] {
				fmt.Fprintf(out, "    %s\n", id)
			}
		}
		return fmt.Errorf("%d messages failed to decode", total)
	},
}

func sentinelName(err error) string {
	switch {
	case errors.Is(err, interaction.ErrUnknownRecordType):
		return "unknown_record_type"
	case errors.Is(err, interaction.ErrFutureVersion):
		return "future_version"
	case errors.Is(err, interaction.ErrInconsistent):
		return "inconsistent"
	case errors.Is(err, interaction.ErrStorage):
		return "storage"
	}
	return "other"
}
