package similarity

import (
	"math"
	"strings"
	"unicode"
)

// stopwords are dropped before vectorizing; they carry no topical signal and
// inflate similarity between unrelated problem statements.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"their": {}, "they": {}, "this": {}, "to": {}, "with": {}, "who": {},
	"can": {}, "cannot": {}, "not": {}, "no": {},
}

// tokenize lowercases, strips punctuation, and drops stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, skip := stopwords[f]; skip {
			continue
		}
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// vectorize builds a term-frequency vector over the normalized text.
func vectorize(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range tokenize(text) {
		vec[tok]++
	}
	return vec
}

// cosine computes cosine similarity between two term vectors, in [0,1] for
// non-negative term frequencies. Zero-magnitude vectors compare as 0.
func cosine(a, b map[string]float64) float64 {
	var dot, magA, magB float64
	for term, wa := range a {
		magA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		magB += wb * wb
	}

	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
