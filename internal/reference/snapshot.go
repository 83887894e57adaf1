package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/storage"
)

// snapshot is the stored form of a Set.
type snapshot struct {
	Version    string      `json:"version"`
	Labels     []string    `json:"labels"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Decode reads a snapshot. name selects decompression by suffix: ".zst" or ".lz4";
// anything else is plain JSON.
func Decode(r io.Reader, name string) (*Set, error) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd snapshot: %w", err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(name, ".lz4"):
		r = lz4.NewReader(r)
	}

	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", name, err)
	}

	embs := make([]Embedding, len(snap.Embeddings))
	for i, e := range snap.Embeddings {
		embs[i] = e
	}
	return NewSet(snap.Version, embs, snap.Labels)
}

// Encode writes s in the snapshot format, compressed according to name's suffix.
func Encode(w io.Writer, s *Set, name string) error {
	var closer io.Closer
	switch {
	case strings.HasSuffix(name, ".zst"):
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		w, closer = zw, zw
	case strings.HasSuffix(name, ".lz4"):
		lw := lz4.NewWriter(w)
		w, closer = lw, lw
	}

	snap := snapshot{Version: s.Version, Labels: s.Labels, Embeddings: make([][]float32, len(s.Embeddings))}
	for i, e := range s.Embeddings {
		snap.Embeddings[i] = e
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return err
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// LoadFile decodes a snapshot from the local filesystem.
func LoadFile(p string) (*Set, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, p)
}

// SnapshotSource loads a snapshot object from storage through a scratch workspace.
type SnapshotSource struct {
	Store     storage.Store
	Container string
	Key       string
	Scratch   *scratch.Manager
}

func (s *SnapshotSource) Load(ctx context.Context) (*Set, error) {
	var set *Set
	err := s.Scratch.Run("reference", nil, func(w *scratch.Workspace) error {
		local := w.Path(path.Base(s.Key))
		if err := s.Store.Download(ctx, s.Container, s.Key, local); err != nil {
			return fmt.Errorf("downloading reference snapshot %s/%s: %w", s.Container, s.Key, err)
		}
		var err error
		set, err = LoadFile(local)
		return err
	})
	return set, err
}
