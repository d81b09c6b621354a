package element

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Basis1D is the Lagrange basis of a given degree on Gauss-Lobatto
// nodes of the unit interval [0,1]. Evaluation goes through the
// orthonormal Legendre Vandermonde matrix, which stays well conditioned
// for the degrees used here.
type Basis1D struct {
	Degree int
	Nodes  []float64 // degree+1 ascending nodes in [0,1]

	vinv *mat.Dense
}

// NewBasis1D constructs the basis for one polynomial degree. Degree 0
// is the single-midpoint basis used by discontinuous elements.
func NewBasis1D(degree int) (*Basis1D, error) {
	nodes, err := LobattoNodes(degree)
	if err != nil {
		return nil, errors.Wrapf(err, "basis degree %d", degree)
	}
	n := degree + 1
	v := mat.NewDense(n, n, nil)
	for i, x := range nodes {
		row := legendreRow(x, degree)
		for j := 0; j < n; j++ {
			v.Set(i, j, row[j])
		}
	}
	vinv := mat.NewDense(n, n, nil)
	if err := vinv.Inverse(v); err != nil {
		return nil, errors.Wrapf(err, "basis degree %d: singular vandermonde", degree)
	}
	return &Basis1D{Degree: degree, Nodes: nodes, vinv: vinv}, nil
}

// NumNodes returns degree+1.
func (b *Basis1D) NumNodes() int { return b.Degree + 1 }

// EvalAll writes the values of all cardinal functions at x into out,
// which must have length degree+1.
func (b *Basis1D) EvalAll(x float64, out []float64) {
	n := b.Degree + 1
	row := legendreRow(x, b.Degree)
	for j := 0; j < n; j++ {
		s := 0.0
		for k := 0; k < n; k++ {
			s += row[k] * b.vinv.At(k, j)
		}
		out[j] = s
	}
}

// Eval returns the value of cardinal function j at x.
func (b *Basis1D) Eval(j int, x float64) float64 {
	out := make([]float64, b.Degree+1)
	b.EvalAll(x, out)
	return out[j]
}

// MassMatrix returns the (degree+1)^2 matrix of node-basis inner
// products on [0,1], assembled with Gauss quadrature exact for the
// integrands.
func (b *Basis1D) MassMatrix() (*mat.Dense, error) {
	n := b.Degree + 1
	xq, wq, err := GaussLegendre(b.Degree + 1)
	if err != nil {
		return nil, err
	}
	vals := make([][]float64, len(xq))
	for q, x := range xq {
		vals[q] = make([]float64, n)
		b.EvalAll(x, vals[q])
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s := 0.0
			for q := range xq {
				s += wq[q] * vals[q][i] * vals[q][j]
			}
			m.Set(i, j, s)
		}
	}
	return m, nil
}

// legendreRow evaluates the orthonormal Legendre polynomials of orders
// 0..degree at the point x of [0,1], on the mapped coordinate of
// [-1,1] and including the Jacobian scaling that makes them
// orthonormal on [0,1].
func legendreRow(x float64, degree int) []float64 {
	t := 2*x - 1
	row := make([]float64, degree+1)
	// P~_0 = 1/sqrt(2), P~_1 = t*sqrt(3/2) on [-1,1]; the recurrence
	// below keeps the orthonormal scaling.
	row[0] = 1 / math.Sqrt2
	if degree >= 1 {
		row[1] = t * math.Sqrt(1.5)
	}
	for k := 2; k <= degree; k++ {
		kf := float64(k)
		a := math.Sqrt((2*kf + 1) * (2*kf - 1) / (kf * kf))
		c := (kf - 1) / kf * math.Sqrt((2*kf+1)/(2*kf-3))
		row[k] = a*t*row[k-1] - c*row[k-2]
	}
	// Orthonormal on [0,1] after dividing by sqrt of the interval
	// Jacobian 1/2, i.e. multiplying by sqrt(2).
	for k := range row {
		row[k] *= math.Sqrt2
	}
	return row
}
