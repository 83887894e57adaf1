// Package resolver maps a frame image to the label of its nearest reference embedding.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facestage/internal/types"
)

// Embedder computes the embedding of the most prominent face in an encoded image.
type Embedder interface {
	Embed(ctx context.Context, image []byte) (types.FaceResult, error)
}

// Options tune acceptance. Zero values disable the checks.
type Options struct {
	MaxDistance   float64 // distances above this yield NoConfidentMatch
	MinConfidence float64 // detections below this count as no face
}

// Result is a resolved identity.
type Result struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
	Index    int     `json:"index"`
	Version  string  `json:"version,omitempty"`
}

type Resolver struct {
	embedder Embedder
	catalog  *Catalog
	opts     Options
	logger   *slog.Logger
}

func New(embedder Embedder, catalog *Catalog, opts Options, logger *slog.Logger) *Resolver {
	return &Resolver{embedder: embedder, catalog: catalog, opts: opts, logger: logger}
}

// ResolveFile reads the image at path and resolves it.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, types.Fail(types.ImageUnreadable, "read image", err)
	}
	return r.Resolve(ctx, data)
}

// Resolve returns the label of the reference embedding nearest to the face in data.
func (r *Resolver) Resolve(ctx context.Context, data []byte) (Result, error) {
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return Result{}, types.Fail(types.ImageUnreadable, "decode image", err)
	}

	// Load the references before paying for the model call.
	set, idx, err := r.catalog.Get(ctx)
	if err != nil {
		return Result{}, err
	}

	face, err := r.embedder.Embed(ctx, data)
	if err != nil {
		return Result{}, fmt.Errorf("embedding face: %w", err)
	}
	if r.opts.MinConfidence > 0 && float64(face.Prob) < r.opts.MinConfidence {
		return Result{}, types.Fail(types.NoFaceDetected, "embed",
			fmt.Errorf("detection confidence %.3f below %.3f", face.Prob, r.opts.MinConfidence))
	}

	if !finite(face.Vec) {
		return Result{}, types.Fail(types.NoFaceDetected, "embed", errors.New("embedding has non-finite components"))
	}

	m, err := idx.Nearest(face.Vec)
	if err != nil {
		return Result{}, types.Fail(types.ReferenceSetUnavailable, "nearest", err)
	}

	res := Result{Label: set.Labels[m.Index], Distance: m.Distance, Index: m.Index, Version: set.Version}
	r.logger.Debug("face resolved", "label", res.Label, "distance", res.Distance, "index", res.Index)

	if r.opts.MaxDistance > 0 && m.Distance > r.opts.MaxDistance {
		return res, types.Fail(types.NoConfidentMatch, "match",
			fmt.Errorf("nearest %q at distance %.4f exceeds %.4f", res.Label, m.Distance, r.opts.MaxDistance))
	}
	return res, nil
}
