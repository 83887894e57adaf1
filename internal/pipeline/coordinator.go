// Package pipeline wires the stages together: a video is split into frames, each frame is
// written to the frame container, and each frame arrival is resolved to an identity whose
// label is written to the output container.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facestage/internal/extractor"
	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/naming"
	"github.com/andresmejia3/facestage/internal/resolver"
	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/store"
	"github.com/andresmejia3/facestage/internal/types"
)

const (
	TriggerDirect  = "direct"
	TriggerStorage = "storage"
)

// Extractor splits a local video into frame files.
type Extractor interface {
	Extract(ctx context.Context, videoPath, outDir string) ([]string, error)
	Mode() extractor.Mode
	Ext() string
}

// FrameResolver resolves a local frame image.
type FrameResolver interface {
	ResolveFile(ctx context.Context, path string) (resolver.Result, error)
}

// Ledger records what was processed. It is optional.
type Ledger interface {
	RecordVideo(ctx context.Context, ref types.ObjectRef, frames int) error
	RecordResolution(ctx context.Context, r store.Resolution) error
}

// Trigger invokes the resolver stage for a frame.
type Trigger interface {
	Invoke(ctx context.Context, payload types.InvokePayload) error
}

type Config struct {
	FrameContainer  string
	OutputContainer string
	TriggerMode     string // direct or storage
	Concurrency     int    // parallel frame uploads per video
}

type Deps struct {
	Store     storage.Store
	Extractor Extractor
	Resolver  FrameResolver
	Scratch   *scratch.Manager
	Trigger   Trigger
	Ledger    Ledger
	Logger    *slog.Logger
}

type Coordinator struct {
	cfg Config
	Deps
}

func New(cfg Config, d Deps) *Coordinator {
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = TriggerDirect
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Coordinator{cfg: cfg, Deps: d}
}

// SetTrigger replaces the downstream trigger. Used to bind a LocalTrigger to the
// coordinator it feeds.
func (c *Coordinator) SetTrigger(t Trigger) { c.Trigger = t }

// VideoResult lists the frames written for a video.
type VideoResult struct {
	Frames []types.ObjectRef
}

// frameKeys maps extracted files to their keys in the frame container.
func (c *Coordinator) frameKeys(videoKey string, files []string) ([]string, error) {
	if c.Extractor.Mode().Kind == extractor.ModeMulti {
		keys := make([]string, len(files))
		for i, f := range files {
			keys[i] = naming.SequenceFrameKey(videoKey, filepath.Base(f))
		}
		return keys, nil
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("single-frame mode produced %d frames", len(files))
	}
	return []string{naming.FrameKey(videoKey, c.Extractor.Ext())}, nil
}

// HandleVideo splits the video at ref and writes its frames to the frame container. In
// direct mode each frame is then handed to the trigger; in storage mode the write itself
// is the trigger.
func (c *Coordinator) HandleVideo(ctx context.Context, ref types.ObjectRef) (VideoResult, error) {
	id := uuid.NewString()
	log := logging.ForObject(c.Logger, id, ref)
	log.Info("video received")

	var out VideoResult
	err := c.Scratch.Run(id, []string{"input", "frames"}, func(w *scratch.Workspace) error {
		input := w.Path("input", path.Base(ref.Key))
		if err := c.Store.Download(ctx, ref.Container, ref.Key, input); err != nil {
			return types.Fail(types.DownloadFailed, "download video", err)
		}

		files, err := c.Extractor.Extract(ctx, input, w.Path("frames"))
		if err != nil {
			return err
		}
		keys, err := c.frameKeys(ref.Key, files)
		if err != nil {
			return types.Fail(types.ExtractionFailed, "name frames", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
		for i := range files {
			file, key := files[i], keys[i]
			g.Go(func() error {
				if err := c.Store.Upload(gctx, file, c.cfg.FrameContainer, key); err != nil {
					return types.Fail(types.UploadFailed, "upload frame "+key, err)
				}
				log.Debug("frame written", "frame", key)
				if c.cfg.TriggerMode != TriggerDirect {
					return nil
				}
				payload := types.InvokePayload{BucketName: c.cfg.FrameContainer, ImageFileName: key}
				if err := c.Trigger.Invoke(gctx, payload); err != nil {
					return types.Fail(types.TriggerFailed, "invoke resolver for "+key, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		out.Frames = make([]types.ObjectRef, len(keys))
		for i, k := range keys {
			out.Frames[i] = types.ObjectRef{Container: c.cfg.FrameContainer, Key: k}
		}
		return nil
	})
	if err != nil {
		log.Error("video failed", logging.Err(err))
		return VideoResult{}, err
	}

	if c.Ledger != nil {
		if err := c.Ledger.RecordVideo(ctx, ref, len(out.Frames)); err != nil {
			log.Warn("ledger write failed", logging.Err(err))
		}
	}
	log.Info("video split", "frames", len(out.Frames))
	return out, nil
}

// FrameResult is the outcome of resolving one frame.
type FrameResult struct {
	resolver.Result
	Output types.ObjectRef
}

// HandleFrame resolves the frame at ref and writes the label to
// <output container>/<frame logical name>.txt. Nothing is written unless resolution
// succeeds.
func (c *Coordinator) HandleFrame(ctx context.Context, ref types.ObjectRef) (FrameResult, error) {
	id := uuid.NewString()
	log := logging.ForObject(c.Logger, id, ref)
	log.Info("frame received")

	resultKey := naming.ResultKey(ref.Key)
	var out FrameResult
	err := c.Scratch.Run(id, []string{"input", "output"}, func(w *scratch.Workspace) error {
		input := w.Path("input", path.Base(ref.Key))
		if err := c.Store.Download(ctx, ref.Container, ref.Key, input); err != nil {
			return types.Fail(types.DownloadFailed, "download frame", err)
		}

		res, err := c.Resolver.ResolveFile(ctx, input)
		if err != nil {
			return err
		}

		local := w.Path("output", path.Base(resultKey))
		if err := os.WriteFile(local, []byte(res.Label), 0o644); err != nil {
			return types.Fail(types.UploadFailed, "write result", err)
		}
		if err := c.Store.Upload(ctx, local, c.cfg.OutputContainer, resultKey); err != nil {
			return types.Fail(types.UploadFailed, "upload result", err)
		}

		out = FrameResult{Result: res, Output: types.ObjectRef{Container: c.cfg.OutputContainer, Key: resultKey}}
		return nil
	})
	if err != nil {
		log.Error("frame failed", logging.Err(err))
		return FrameResult{}, err
	}

	if c.Ledger != nil {
		r := store.Resolution{Frame: ref, ResultKey: resultKey, Label: out.Label, Distance: out.Distance, Version: out.Version}
		if err := c.Ledger.RecordResolution(ctx, r); err != nil {
			log.Warn("ledger write failed", logging.Err(err))
		}
	}
	log.Info("frame resolved", "label", out.Label, "distance", out.Distance, "output", resultKey)
	return out, nil
}

// isCancel reports whether err only reflects the caller giving up.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
