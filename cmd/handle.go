package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/pipeline"
	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

var handleEventFile string

var handleCmd = &cobra.Command{
	Use:   "handle <video|frame>",
	Short: "Run one stage for a storage notification read from a file or stdin",
	Example: `  facestage handle video --event event.json
  cat event.json | facestage handle frame`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{pipeline.ChannelVideo, pipeline.ChannelFrame},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		channel := args[0]
		if channel != pipeline.ChannelVideo && channel != pipeline.ChannelFrame {
			return fmt.Errorf("unknown stage %q (want video or frame)", channel)
		}

		ev, err := readEvent(handleEventFile, cmd.InOrStdin())
		if err != nil {
			utils.ShowError("Failed to read event", err, nil)
			return err
		}

		a, err := buildApp(cmd.Context(), Cfg)
		if err != nil {
			utils.ShowError("Failed to initialize pipeline", err, nil)
			return err
		}
		resp := a.coord.HandleEvent(cmd.Context(), channel, ev)
		a.Close()
		return printResponse(cmd.OutOrStdout(), resp)
	},
}

func init() {
	handleCmd.Flags().StringVarP(&handleEventFile, "event", "e", "-", "Path to the notification JSON (- for stdin)")
	rootCmd.AddCommand(handleCmd)
}

func readEvent(path string, stdin io.Reader) (types.StorageEvent, error) {
	var r io.Reader = stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return types.StorageEvent{}, err
		}
		defer f.Close()
		r = f
	}
	var ev types.StorageEvent
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return types.StorageEvent{}, fmt.Errorf("decoding notification: %w", err)
	}
	return ev, nil
}

// printResponse writes resp as indented JSON and turns a failed response into an error
// so the exit status reflects it.
func printResponse(w io.Writer, resp types.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Status != "success" {
		return fmt.Errorf("%s: %s", resp.Kind, resp.Message)
	}
	return nil
}
