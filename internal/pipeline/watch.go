package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/types"
)

// Watch subscribes to arrivals on the video and frame containers and dispatches each one
// independently until ctx is done. An empty container name is skipped.
func (c *Coordinator) Watch(ctx context.Context, n storage.Notifier, videos, frames string) error {
	g, gctx := errgroup.WithContext(ctx)

	subscribe := func(container, channel string) {
		if container == "" {
			return
		}
		g.Go(func() error {
			c.Logger.Info("watching container", "container", container, "channel", channel)
			err := n.Listen(gctx, container, func(ctx context.Context, ref types.ObjectRef) {
				resp := c.Dispatch(ctx, channel, ref)
				if resp.StatusCode != http.StatusOK && !isCancel(ctx.Err()) {
					c.Logger.Warn("notification failed", "channel", channel, "key", ref.Key, "kind", resp.Kind)
				}
			})
			if err != nil {
				return fmt.Errorf("watching %s: %w", container, err)
			}
			return nil
		})
	}
	subscribe(videos, ChannelVideo)
	subscribe(frames, ChannelFrame)

	if err := g.Wait(); err != nil {
		c.Logger.Error("watch stopped", logging.Err(err))
		return err
	}
	return nil
}
