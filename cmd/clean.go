package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/utils"
)

var (
	cleanDB      bool
	cleanScratch bool
	cleanYes     bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover scratch workspaces and reset the database",
	Long:  "Clears local state. By default, it clears everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !cleanDB && !cleanScratch {
			cleanDB = DB != nil
			cleanScratch = true
		}

		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if cleanScratch && (cleanYes || confirm(reader, out, "⚠️  Delete all workspaces under "+Cfg.Pipeline.ScratchRoot+"?")) {
			n, err := scratch.NewManager(Cfg.Pipeline.ScratchRoot, Logger).Sweep()
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to sweep scratch: %v\n", err)
			}
			fmt.Fprintf(out, "🗑️  Removed %d workspaces\n", n)
		}

		if cleanDB {
			if err := requireDB(); err != nil {
				return err
			}
			if cleanYes || confirm(reader, out, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Fprintln(out, "🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		fmt.Fprintln(out, "✨ Clean Complete.")
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanDB, "database", false, "Drop the PostgreSQL tables")
	cleanCmd.Flags().BoolVar(&cleanScratch, "scratch", false, "Remove scratch workspaces")
	cleanCmd.Flags().BoolVarP(&cleanYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(cleanCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
