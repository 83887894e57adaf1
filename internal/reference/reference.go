// Package reference holds the labelled embedding set the resolver compares against.
package reference

import (
	"context"
	"fmt"
	"strings"
)

// Embedding is one face embedding.
type Embedding []float32

// Set is an immutable labelled reference set. Embeddings[i] belongs to Labels[i].
type Set struct {
	Version    string
	Embeddings []Embedding
	Labels     []string
}

// NewSet validates that labels and embeddings line up and share one dimension.
func NewSet(version string, embeddings []Embedding, labels []string) (*Set, error) {
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("reference set has %d embeddings but %d labels", len(embeddings), len(labels))
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("reference set is empty")
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return nil, fmt.Errorf("reference embedding 0 is empty")
	}
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("reference embedding %d has dimension %d, expected %d", i, len(e), dim)
		}
		if strings.TrimSpace(labels[i]) == "" {
			return nil, fmt.Errorf("reference label %d is empty", i)
		}
	}
	return &Set{Version: version, Embeddings: embeddings, Labels: labels}, nil
}

func (s *Set) Len() int { return len(s.Labels) }

// Dim is the shared embedding dimension.
func (s *Set) Dim() int { return len(s.Embeddings[0]) }

// Source produces a reference set. Implementations are called at most once per
// successful load.
type Source interface {
	Load(ctx context.Context) (*Set, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Set, error)

func (f SourceFunc) Load(ctx context.Context) (*Set, error) { return f(ctx) }

// Static always returns the same set. Tests and one-shot tools use it.
func Static(s *Set) Source {
	return SourceFunc(func(context.Context) (*Set, error) { return s, nil })
}
