package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facestage/internal/pipeline"
	"github.com/andresmejia3/facestage/internal/server"
	"github.com/andresmejia3/facestage/internal/utils"
)

var (
	serveHost    string
	servePort    int
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP endpoints and watch storage for new objects",
	Long: `Starts the event and invocation endpoints. When the storage backend publishes
notifications, new videos are split as they arrive and, with trigger=storage,
new frames are resolved as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Only serve HTTP; ignore storage notifications")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	a, err := buildApp(ctx, Cfg)
	if err != nil {
		utils.ShowError("Failed to initialize pipeline", err, nil)
		return err
	}
	defer a.Close()

	host, port := Cfg.Server.Host, Cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	srv := server.New(a.coord, host, port, Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.notifier != nil && !serveNoWatch {
		// Frames are only watched when resolution is storage-triggered; in direct mode
		// the splitter invokes the resolver itself.
		frames := ""
		if Cfg.Pipeline.Trigger == pipeline.TriggerStorage {
			frames = Cfg.Buckets.Frames
		}
		fmt.Fprintf(os.Stderr, "👀 Watching %s for new videos\n", Cfg.Buckets.Videos)
		g.Go(func() error {
			return a.coord.Watch(gctx, a.notifier, Cfg.Buckets.Videos, frames)
		})
	} else if a.notifier == nil {
		Logger.Info("storage backend has no notifications; use POST /events/* to trigger stages", "backend", Cfg.Storage.Backend)
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		utils.ShowError("Server stopped", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "👋 Shutdown complete.")
	return nil
}
