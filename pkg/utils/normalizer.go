package utils

import (
	"hash/fnv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TextNormalizer folds message text into a canonical form so that trivially
// restyled duplicates (casing, accents, extra whitespace) hash to the same
// value. Safe for concurrent use: the transform chain carries per-run state,
// so each call builds its own.
type TextNormalizer struct{}

// NewTextNormalizer creates a new TextNormalizer instance.
func NewTextNormalizer() *TextNormalizer {
	return &TextNormalizer{}
}

// newChain builds the stateful transformer for a single Normalize run.
func newChain() transform.Transformer {
	return transform.Chain(
		norm.NFKD,                          // Decompose with compatibility decomposition
		runes.Remove(runes.In(unicode.Mn)), // Remove non-spacing marks
		runes.Map(unicode.ToLower),         // Convert to lowercase before normalization
		norm.NFKC,                          // Normalize with compatibility composition
	)
}

// Normalize cleans up text using the normalizer.
// Returns empty string if normalization fails or input is empty.
func (n *TextNormalizer) Normalize(s string) string {
	if s == "" {
		return ""
	}

	s = CompressWhitespace(s)
	if s == "" {
		return ""
	}

	result, _, err := transform.String(newChain(), s)
	if err != nil || result == "" {
		// Fall back to a lowercase copy so callers still get a stable key.
		return strings.ToLower(s)
	}

	return result
}

// ContentHash returns a stable 64-bit hash of the normalized text. Empty or
// whitespace-only messages hash to zero so callers can skip them.
func (n *TextNormalizer) ContentHash(s string) uint64 {
	normalized := n.Normalize(s)
	if normalized == "" {
		return 0
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))

	return h.Sum64()
}

// Contains checks if substr exists within s using the normalizer.
// Empty strings return false.
func (n *TextNormalizer) Contains(s, substr string) bool {
	if s == "" || substr == "" {
		return false
	}

	return strings.Contains(n.Normalize(s), n.Normalize(substr))
}

// CompressWhitespace replaces all whitespace sequences (including newlines)
// with a single space and trims the result.
func CompressWhitespace(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
