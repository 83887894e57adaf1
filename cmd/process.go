package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/pipeline"
	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

var processCmd = &cobra.Command{
	Use:   "process <video>...",
	Short: "Upload local videos and run them through the whole pipeline",
	Long: `Uploads each video to the videos container, splits it into frames and resolves
every frame, then prints the label written for each frame.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProcess(cmd.Context(), args, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}

// outcomes collects the response of every frame invocation.
type outcomes struct {
	mu   sync.Mutex
	byID map[string]types.Response
}

func (o *outcomes) record(key string, resp types.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID[key] = resp
}

func runProcess(ctx context.Context, videos []string, out io.Writer) error {
	for _, v := range videos {
		if _, err := os.Stat(v); err != nil {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
	}

	a, err := buildApp(ctx, Cfg)
	if err != nil {
		utils.ShowError("Failed to initialize pipeline", err, nil)
		return err
	}
	defer a.Close()

	res := &outcomes{byID: make(map[string]types.Response)}
	if a.local != nil {
		// Capture in-process invocations so the outcome of each frame can be reported.
		a.local = pipeline.NewLocalTrigger(func(ctx context.Context, p types.InvokePayload) types.Response {
			resp := a.coord.Invoke(ctx, p)
			res.record(p.ImageFileName, resp)
			return resp
		}, Logger)
		a.coord.SetTrigger(a.local)
	}

	bar := progressbar.NewOptions(len(videos),
		progressbar.OptionSetDescription("🎬 Splitting videos"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var frames []types.ObjectRef
	var failed int
	for _, v := range videos {
		ref := types.ObjectRef{Container: Cfg.Buckets.Videos, Key: filepath.Base(v)}
		if err := a.store.Upload(ctx, v, ref.Container, ref.Key); err != nil {
			utils.ShowError("Failed to upload "+v, err, nil)
			return err
		}
		vr, err := a.coord.HandleVideo(ctx, ref)
		bar.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			fmt.Fprintf(os.Stderr, "\n⚠️  %s: %v\n", ref.Key, err)
			continue
		}
		frames = append(frames, vr.Frames...)
	}
	fmt.Fprintln(os.Stderr)

	// Storage-triggered resolution normally runs off a notification; here there is no
	// watcher, so resolve the frames directly.
	if Cfg.Pipeline.Trigger == pipeline.TriggerStorage {
		rbar := progressbar.NewOptions(len(frames),
			progressbar.OptionSetDescription("🔍 Resolving frames"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		for _, f := range frames {
			res.record(f.Key, a.coord.Dispatch(ctx, pipeline.ChannelFrame, f))
			rbar.Add(1)
		}
		fmt.Fprintln(os.Stderr)
	} else if a.local != nil {
		fmt.Fprintln(os.Stderr, "⏳ Waiting for frame resolution...")
		a.local.Wait()
	} else {
		fmt.Fprintf(os.Stderr, "📨 %d frames handed to %s\n", len(frames), Cfg.Pipeline.ResolverURL)
	}

	printOutcomes(out, frames, res)
	if failed > 0 {
		return fmt.Errorf("%d of %d videos failed", failed, len(videos))
	}
	return nil
}

func printOutcomes(out io.Writer, frames []types.ObjectRef, res *outcomes) {
	sort.Slice(frames, func(i, j int) bool { return frames[i].Key < frames[j].Key })

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tLABEL\tRESULT FILE")
	fmt.Fprintln(w, "-----\t-----\t-----------")
	res.mu.Lock()
	defer res.mu.Unlock()
	for _, f := range frames {
		resp, ok := res.byID[f.Key]
		switch {
		case !ok:
			fmt.Fprintf(w, "%s\t-\t(pending)\n", f.Key)
		case resp.StatusCode != http.StatusOK:
			fmt.Fprintf(w, "%s\t-\t%s\n", f.Key, resp.Kind)
		default:
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Key, resp.Result, resp.OutputFile)
		}
	}
	w.Flush()
}
