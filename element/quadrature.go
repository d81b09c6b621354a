package element

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// GaussLegendre computes an n-point Gauss-Legendre rule on [0,1].
// Nodes and weights come from the eigen decomposition of the symmetric
// tridiagonal Jacobi matrix (Golub-Welsch). Exact for polynomials of
// degree 2n-1.
func GaussLegendre(n int) (x, w []float64, err error) {
	if n < 1 {
		return nil, nil, errors.Errorf("quadrature order %d: need at least one point", n)
	}
	xr, wr, err := gaussJacobi(0, 0, n-1)
	if err != nil {
		return nil, nil, err
	}
	x = make([]float64, n)
	w = make([]float64, n)
	for i := range xr {
		x[i] = 0.5 * (xr[i] + 1)
		w[i] = 0.5 * wr[i]
	}
	return x, w, nil
}

// LobattoNodes computes the degree+1 Gauss-Lobatto points on [0,1],
// the zeros of (1-t^2)*P'_degree(t) mapped from [-1,1]. Degree 0 has a
// single midpoint node.
func LobattoNodes(degree int) ([]float64, error) {
	if degree < 0 {
		return nil, errors.Errorf("lobatto nodes: negative degree %d", degree)
	}
	if degree == 0 {
		return []float64{0.5}, nil
	}
	if degree == 1 {
		return []float64{0, 1}, nil
	}
	interior, _, err := gaussJacobi(1, 1, degree-2)
	if err != nil {
		return nil, err
	}
	x := make([]float64, degree+1)
	x[0] = 0
	for i, t := range interior {
		x[i+1] = 0.5 * (t + 1)
	}
	x[degree] = 1
	return x, nil
}

// gaussJacobi returns the N+1 Gauss points and weights for the Jacobi
// weight (1-t)^alpha (1+t)^beta on [-1,1].
func gaussJacobi(alpha, beta float64, N int) (x, w []float64, err error) {
	if N == 0 {
		return []float64{-(alpha - beta) / (alpha + beta + 2)},
			[]float64{2}, nil
	}

	n := N + 1
	d0 := make([]float64, n)
	d1 := make([]float64, n-1)
	fac := beta*beta - alpha*alpha
	for i := 0; i < n; i++ {
		h1 := 2*float64(i) + alpha + beta
		if h1*(h1+2) != 0 {
			d0[i] = fac / (h1 * (h1 + 2))
		}
	}
	if alpha+beta < 1e-15 {
		d0[0] = 0
	}
	for i := 0; i < n-1; i++ {
		ip1 := float64(i + 1)
		h1 := 2*ip1 - 2 + alpha + beta
		d1[i] = 2 / (h1 + 2) * math.Sqrt(
			ip1*(ip1+alpha+beta)*(ip1+alpha)*(ip1+beta)/(h1+1)/(h1+3))
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(symTriDiagonal(d0, d1), true); !ok {
		return nil, nil, errors.New("gauss quadrature: eigen decomposition failed")
	}
	x = eig.Values(nil)

	vec := mat.NewDense(n, n, nil)
	eig.VectorsTo(vec)
	mu0 := math.Pow(2, alpha+beta+1) * math.Gamma(alpha+1) * math.Gamma(beta+1) /
		math.Gamma(alpha+beta+2)
	w = make([]float64, n)
	for i := 0; i < n; i++ {
		v := vec.At(0, i)
		w[i] = v * v * mu0
	}
	return x, w, nil
}

func symTriDiagonal(d0, d1 []float64) *mat.SymDense {
	n := len(d0)
	t := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		t.SetSym(i, i, d0[i])
		if i < n-1 {
			t.SetSym(i, i+1, d1[i])
		}
	}
	return t
}
