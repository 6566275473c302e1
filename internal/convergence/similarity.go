package convergence

import (
	"fmt"
	"math"
	"sort"

	"github.com/Iron-Ham/forge/internal/util"
)

// Similarity scores how much two positions agree. Implementations must be
// symmetric, deterministic and bounded to [0,1], and adding shared content to
// both sides must never lower the score.
type Similarity interface {
	Name() string
	Score(a, b string) float64
}

// NewSimilarity returns the measure registered under name.
func NewSimilarity(name string) (Similarity, error) {
	switch name {
	case "", "jaccard":
		return Jaccard{}, nil
	case "cosine":
		return Cosine{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity %q", name)
	}
}

// Jaccard is |A∩B| / |A∪B| over the distinct content tokens of each text.
type Jaccard struct{}

func (Jaccard) Name() string { return "jaccard" }

func (Jaccard) Score(a, b string) float64 {
	sa, sb := util.TokenSet(a), util.TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	if len(sa) > len(sb) {
		sa, sb = sb, sa
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

// Cosine is the cosine of the angle between term-frequency vectors.
type Cosine struct{}

func (Cosine) Name() string { return "cosine" }

func (Cosine) Score(a, b string) float64 {
	fa, fb := termFreq(a), termFreq(b)
	if len(fa) == 0 && len(fb) == 0 {
		return 1
	}
	if len(fa) == 0 || len(fb) == 0 {
		return 0
	}
	// Sum in key order so the result is bit-for-bit reproducible and symmetric.
	var dot, na, nb float64
	for _, t := range sortedKeys(fa) {
		x := fa[t]
		na += x * x
		if y, ok := fb[t]; ok {
			dot += x * y
		}
	}
	for _, t := range sortedKeys(fb) {
		nb += fb[t] * fb[t]
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func termFreq(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, t := range util.ContentTokens(text) {
		tf[t]++
	}
	return tf
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
