package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

var invokeCmd = &cobra.Command{
	Use:     "invoke <bucket> <image_key>",
	Short:   "Resolve one frame already in storage and write its result file",
	Example: `  facestage invoke frames-stage-1 clip_03.jpg`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		a, err := buildApp(cmd.Context(), Cfg)
		if err != nil {
			utils.ShowError("Failed to initialize pipeline", err, nil)
			return err
		}
		defer a.Close()

		resp := a.coord.Invoke(cmd.Context(), types.InvokePayload{BucketName: args[0], ImageFileName: args[1]})
		return printResponse(cmd.OutOrStdout(), resp)
	},
}

func init() {
	rootCmd.AddCommand(invokeCmd)
}
