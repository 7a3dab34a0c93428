package embedder

import "math"

// Normalize returns a unit-length copy of v. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// MeanPool averages vectors of equal length element-wise.
// Nil entries are ignored; returns nil if nothing remains.
func MeanPool(vectors [][]float32) []float32 {
	var out []float64
	n := 0
	for _, v := range vectors {
		if v == nil {
			continue
		}
		if out == nil {
			out = make([]float64, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i, x := range v {
			out[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	pooled := make([]float32, len(out))
	for i, x := range out {
		pooled[i] = float32(x / float64(n))
	}
	return pooled
}

// splitRunes cuts text into consecutive pieces of at most size runes.
func splitRunes(text string, size int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
