package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic bag-of-words embedder using feature
// hashing. It needs no network and is used when no model is configured.
type HashEmbedder struct {
	Dimensions int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions
	if dims <= 0 {
		dims = 256
	}
	vec := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%dims] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}
