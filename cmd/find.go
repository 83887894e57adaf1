package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the face in a local image and list frames resolved to the same person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	a, err := buildApp(ctx, Cfg)
	if err != nil {
		utils.ShowError("Failed to initialize pipeline", err, nil)
		return err
	}
	defer a.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	res, err := a.resolver.ResolveFile(ctx, imagePath)
	switch {
	case errors.Is(err, types.NoFaceDetected):
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	case errors.Is(err, types.NoConfidentMatch):
		fmt.Printf("❌ No confident match (closest: %s at %.4f).\n", res.Label, res.Distance)
		return nil
	case err != nil:
		utils.ShowError("Face resolution failed", err, nil)
		return err
	}
	fmt.Printf("✅ Found Match: %s (distance %.4f, reference #%d)\n", res.Label, res.Distance, res.Index)

	if DB == nil {
		return nil
	}
	fmt.Fprintln(os.Stderr, "🗄️  Searching resolution history...")
	rows, err := DB.FindResolutions(ctx, res.Label)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No resolved frames recorded for this identity.")
		return nil
	}
	printResolutions(os.Stdout, rows)
	return nil
}
