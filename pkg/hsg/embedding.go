package hsg

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder converts text to a vector. The built-in embedders are
// deterministic and dependency-free; an external embedding provider can
// be plugged in through the same interface.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// chargramEmbedder hashes character trigrams and tokens into a fixed
// vector. It is the default semantic-sector embedder.
type chargramEmbedder struct {
	dims int
}

// NewChargramEmbedder returns the default 384-dim chargram embedder.
func NewChargramEmbedder() Embedder { return &chargramEmbedder{dims: 384} }

func (e *chargramEmbedder) ModelID() string { return "openmemory-chargram-384-v1" }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[hashIndex(window[i:i+3], e.dims)] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[hashIndex("tok:"+token, e.dims)] += 1.25
	}
	normalizeVector(vec)
	return vec
}

// tokenHashEmbedder hashes whole tokens only, which keeps identifiers
// and path segments distinct. Used by the code sector.
type tokenHashEmbedder struct {
	dims int
}

// NewTokenHashEmbedder returns the 256-dim token-hash embedder.
func NewTokenHashEmbedder() Embedder { return &tokenHashEmbedder{dims: 256} }

func (e *tokenHashEmbedder) ModelID() string { return "openmemory-tokenhash-256-v1" }

func (e *tokenHashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec
}

func hashIndex(s string, dims int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(dims))
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}
