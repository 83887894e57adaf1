package resolver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/facestage/internal/reference"
)

const (
	IndexLinear = "linear"
	IndexHNSW   = "hnsw"
)

var errNoMatch = errors.New("no reference entry at a finite distance")

// EuclideanDistance accumulates squared differences in float64, in index order, so the
// result is identical across runs for the same inputs.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match is the nearest reference entry.
type Match struct {
	Index    int
	Distance float64
}

// Index finds the nearest reference embedding to a query.
type Index interface {
	Nearest(query []float32) (Match, error)
}

// LinearIndex scans every entry. Ties go to the lowest index.
type LinearIndex struct {
	set *reference.Set
}

func NewLinearIndex(set *reference.Set) *LinearIndex {
	return &LinearIndex{set: set}
}

func (l *LinearIndex) Nearest(query []float32) (Match, error) {
	if err := checkDim(l.set, query); err != nil {
		return Match{}, err
	}
	best := Match{Index: -1, Distance: math.Inf(1)}
	for i, e := range l.set.Embeddings {
		if d := EuclideanDistance(query, e); d < best.Distance {
			best = Match{Index: i, Distance: d}
		}
	}
	if best.Index < 0 {
		return Match{}, errNoMatch
	}
	return best, nil
}

// HNSWIndex narrows the search with an HNSW graph and re-ranks the candidates exactly, so
// the reported distance and tie-break match LinearIndex whenever the true nearest entry is
// among the candidates.
type HNSWIndex struct {
	set        *reference.Set
	graph      *hnsw.Graph[int]
	candidates int
}

func NewHNSWIndex(set *reference.Set, candidates int) *HNSWIndex {
	if candidates <= 0 {
		candidates = 16
	}
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.EuclideanDistance
	if g.EfSearch < candidates {
		g.EfSearch = candidates
	}
	for i, e := range set.Embeddings {
		g.Add(hnsw.MakeNode(i, []float32(e)))
	}
	return &HNSWIndex{set: set, graph: g, candidates: candidates}
}

func (h *HNSWIndex) Nearest(query []float32) (Match, error) {
	if err := checkDim(h.set, query); err != nil {
		return Match{}, err
	}
	nodes := h.graph.Search(query, h.candidates)
	if len(nodes) == 0 {
		return Match{}, fmt.Errorf("hnsw search returned no candidates")
	}

	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Key
	}
	sort.Ints(ids)

	best := Match{Index: -1, Distance: math.Inf(1)}
	for _, id := range ids {
		if d := EuclideanDistance(query, h.set.Embeddings[id]); d < best.Distance {
			best = Match{Index: id, Distance: d}
		}
	}
	if best.Index < 0 {
		return Match{}, errNoMatch
	}
	return best, nil
}

// finite reports whether every component of v is a real number.
func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

func checkDim(set *reference.Set, query []float32) error {
	if len(query) != set.Dim() {
		return fmt.Errorf("query dimension %d does not match reference dimension %d", len(query), set.Dim())
	}
	return nil
}

// BuildIndex returns the index named by kind.
func BuildIndex(kind string, set *reference.Set, candidates int) (Index, error) {
	switch kind {
	case "", IndexLinear:
		return NewLinearIndex(set), nil
	case IndexHNSW:
		return NewHNSWIndex(set, candidates), nil
	default:
		return nil, fmt.Errorf("unknown index %q", kind)
	}
}
