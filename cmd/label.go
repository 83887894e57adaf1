package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a new name to a reference identity in the database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.ShowError("Invalid identity ID", err, nil)
			return err
		}
		if err := requireDB(); err != nil {
			return err
		}
		if err := DB.RenameIdentity(cmd.Context(), id, args[1]); err != nil {
			utils.ShowError("Failed to label identity", err, nil)
			return err
		}
		fmt.Printf("✅ Identity %d labeled as '%s'\n", id, args[1])
		fmt.Println("ℹ️  Run `facestage references publish` to update the snapshot used by the resolver.")
		return nil
	},
}

func init() {
	referencesCmd.AddCommand(labelCmd)
}
