// Package budget provides token estimation and chunk sizing for ragstream.
// Because the completion backends use different tokenizers, this package
// uses a conservative character-based heuristic: 1 token ≈ 4 characters.
package budget

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultContextSize is assumed when the upstream does not report n_ctx.
	DefaultContextSize = 2048
)

// Limits bounds the chunk size and overlap derived from a context window.
type Limits struct {
	MinSize    int
	MaxSize    int
	MinOverlap int
	MaxOverlap int
}

// DefaultLimits returns the stock chunking bounds (150 tokens, 10 overlap).
func DefaultLimits() Limits {
	return Limits{MinSize: 150, MaxSize: 150, MinOverlap: 10, MaxOverlap: 10}
}

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// ChunkSizing derives the chunk token size and overlap from the upstream
// context window: size is a tenth of nCtx and overlap a tenth of size, each
// clamped to lim. The returned overlap is always below size.
func ChunkSizing(nCtx int, lim Limits) (size, overlap int) {
	if nCtx <= 0 {
		nCtx = DefaultContextSize
	}
	size = clamp(nCtx/10, lim.MinSize, lim.MaxSize)
	if size < 1 {
		size = 1
	}
	overlap = ClampOverlap(size, clamp(size/10, lim.MinOverlap, lim.MaxOverlap))
	return size, overlap
}

// ClampOverlap returns overlap reduced to maxTokens-1 when it would
// otherwise reach or exceed maxTokens. Negative overlap becomes zero.
func ClampOverlap(maxTokens, overlap int) int {
	if overlap >= maxTokens {
		overlap = maxTokens - 1
	}
	if overlap < 0 {
		overlap = 0
	}
	return overlap
}

// DropOldest returns how many leading items must be dropped so that
// fixedTokens plus the estimated size of the remaining items fits within
// maxTokens. items must be ordered oldest first. A non-positive maxTokens
// disables trimming.
func DropOldest(fixedTokens int, items []string, maxTokens int) int {
	if maxTokens <= 0 {
		return 0
	}
	total := fixedTokens
	for _, it := range items {
		total += Estimate(it)
	}
	drop := 0
	for drop < len(items) && total > maxTokens {
		total -= Estimate(items[drop])
		drop++
	}
	return drop
}

func clamp(v, lo, hi int) int {
	if lo > 0 && v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}
