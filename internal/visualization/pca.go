package visualization

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/knoguchi/conceptindex/internal/embedder"
)

// Project2D reduces vectors of equal length to two dimensions with PCA.
// Vectors are scaled to unit length first so the layout follows cosine
// similarity. Fewer than two vectors, or vectors of one dimension, are
// padded with zeros.
func Project2D(vectors [][]float32) ([][2]float64, error) {
	n := len(vectors)
	out := make([][2]float64, n)
	if n == 0 {
		return out, nil
	}
	d := len(vectors[0])
	if d == 0 {
		return out, nil
	}

	data := make([]float64, 0, n*d)
	for i, v := range vectors {
		if len(v) != d {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), d)
		}
		for _, x := range embedder.Normalize(v) {
			data = append(data, float64(x))
		}
	}
	x := mat.NewDense(n, d, data)

	// center columns
	for j := 0; j < d; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += x.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			x.Set(i, j, x.At(i, j)-mean)
		}
	}

	if n < 2 {
		return out, nil
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	_, vc := v.Dims()
	k := 2
	if vc < k {
		k = vc
	}
	var proj mat.Dense
	proj.Mul(x, v.Slice(0, d, 0, k))

	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out[i][j] = proj.At(i, j)
		}
	}
	return out, nil
}
