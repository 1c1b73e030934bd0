package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// FoldValueKey reduces a cell value to the key used by value
// standardization: NFKC-normalized, case-folded, inner whitespace collapsed
// to single spaces, outer whitespace trimmed. Values with equal fold keys
// are treated as the same logical value when a standardize mapping is built.
func FoldValueKey(v string) string {
	s := norm.NFKC.String(v)
	s = foldCaser.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// BuildStandardizeMapping expands a canonical-value choice into the concrete
// from→to pairs a standardize command applies: every distinct raw value whose
// fold key matches one of the chosen keys is mapped to that key's canonical
// value. Raw values already equal to their target are omitted.
func BuildStandardizeMapping(rawValues []string, canonicalByKey map[string]string) map[string]string {
	mapping := make(map[string]string)
	for _, raw := range rawValues {
		canonical, ok := canonicalByKey[FoldValueKey(raw)]
		if !ok || raw == canonical {
			continue
		}
		mapping[raw] = canonical
	}
	return mapping
}
