package resolver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/andresmejia3/facestage/internal/reference"
	"github.com/andresmejia3/facestage/internal/types"
)

// Catalog loads the reference set once and shares it read-only. A failed load is not
// remembered, so the next invocation tries again.
type Catalog struct {
	source     reference.Source
	indexKind  string
	candidates int
	logger     *slog.Logger

	mu    sync.Mutex
	set   *reference.Set
	index Index
}

func NewCatalog(source reference.Source, indexKind string, candidates int, logger *slog.Logger) *Catalog {
	return &Catalog{source: source, indexKind: indexKind, candidates: candidates, logger: logger}
}

// Get returns the loaded set and its index, loading them on first use.
func (c *Catalog) Get(ctx context.Context) (*reference.Set, Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set != nil {
		return c.set, c.index, nil
	}

	set, err := c.source.Load(ctx)
	if err != nil {
		return nil, nil, types.Fail(types.ReferenceSetUnavailable, "load reference set", err)
	}
	idx, err := BuildIndex(c.indexKind, set, c.candidates)
	if err != nil {
		return nil, nil, types.Fail(types.ReferenceSetUnavailable, "build index", err)
	}

	c.set, c.index = set, idx
	c.logger.Info("reference set loaded", "version", set.Version, "entries", set.Len(), "dim", set.Dim(), "index", c.indexKind)
	return set, idx, nil
}
