package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"msgstore/pkg/engine"
	"msgstore/pkg/jobs"
)

func init() {
	jobsCmd.Flags().StringP("status", "s", jobs.StatusReady.String(), "status to list (ready, running, permanently_failed, obsolete)")
	rootCmd.AddCommand(jobsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [label]",
	Short: "Summarize durable job records, or list one label's jobs",
	Long: `Without a label, print every job label with its count per status.
With a label, list that label's jobs in the given status, oldest first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			return a.DB().Read(func(tx *engine.ReadTx) error {
				labels, err := jobs.Labels(tx)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(labels))
				for l := range labels {
					names = append(names, l)
				}
				sort.Strings(names)
				for _, l := range names {
					fmt.Fprintf(out, "%s", l)
					for st := jobs.StatusUnknown; st <= jobs.StatusObsolete; st++ {
						if n := labels[l][st]; n > 0 {
							fmt.Fprintf(out, "  %s=%d", st, n)
						}
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		}

		name, _ := cmd.Flags().GetString("status")
		status, ok := jobs.ParseStatus(name)
		if !ok {
			return fmt.Errorf("unknown status %q", name)
		}
		return a.DB().Read(func(tx *engine.ReadTx) error {
			records, err := jobs.AllRecords(tx, args[0], status)
			if err != nil {
				return err
			}
			for _, r := range records {
				b := r.Base()
				fmt.Fprintf(out, "%6d  %-36s %-26s failures=%d\n", b.SortID, b.UniqueID, r.RecordType(), b.FailureCount)
			}
			return nil
		})
	},
}
