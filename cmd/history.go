package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/store"
	"github.com/andresmejia3/facestage/internal/utils"
)

var historyLabel string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded frame resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		rows, err := DB.FindResolutions(cmd.Context(), historyLabel)
		if err != nil {
			utils.ShowError("Failed to list resolutions", err, nil)
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No resolutions recorded.")
			return nil
		}
		printResolutions(cmd.OutOrStdout(), rows)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyLabel, "label", "l", "", "Only show frames resolved to this label")
	rootCmd.AddCommand(historyCmd)
}

func printResolutions(out io.Writer, rows []store.Resolution) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tLABEL\tDISTANCE\tRESULT\tRESOLVED")
	fmt.Fprintln(w, "-----\t-----\t--------\t------\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\t%s\n",
			r.Frame,
			r.Label,
			r.Distance,
			r.ResultKey,
			r.ResolvedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

func requireDB() error {
	if DB == nil {
		err := fmt.Errorf("no database configured (set DATABASE_URL or --db)")
		utils.ShowError("Database required", err, nil)
		return err
	}
	return nil
}
