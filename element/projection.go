package element

import (
	"github.com/notargets/gocfd/utils"
	"github.com/pkg/errors"
)

// Projection carries the L2 projection from one 1D nodal basis onto
// another. The target mass matrix is assembled once by quadrature and
// reused; for nested spaces the projection reproduces the source
// polynomial exactly.
type Projection struct {
	From, To *Basis1D

	MassMatrix, Minv utils.Matrix
	P                utils.Matrix // To.NumNodes() x From.NumNodes()
}

// NewProjection builds the node-value projection matrix from one basis
// onto another. Quadrature order covers the product of both spaces.
func NewProjection(from, to *Basis1D) (*Projection, error) {
	if from == nil || to == nil {
		return nil, errors.New("projection needs two bases")
	}
	nq := to.Degree + 1
	if mixed := (from.Degree+to.Degree)/2 + 1; mixed > nq {
		nq = mixed
	}
	xq, wq, err := GaussLegendre(nq)
	if err != nil {
		return nil, err
	}

	gp := &Projection{From: from, To: to}
	nTo := to.NumNodes()
	nFrom := from.NumNodes()

	gp.MassMatrix = utils.NewMatrix(nTo, nTo)
	b := utils.NewMatrix(nTo, nFrom)
	toVals := make([]float64, nTo)
	fromVals := make([]float64, nFrom)
	for q := range xq {
		to.EvalAll(xq[q], toVals)
		from.EvalAll(xq[q], fromVals)
		for i := 0; i < nTo; i++ {
			for j := 0; j < nTo; j++ {
				gp.MassMatrix.Set(i, j, gp.MassMatrix.At(i, j)+wq[q]*toVals[i]*toVals[j])
			}
			for j := 0; j < nFrom; j++ {
				b.Set(i, j, b.At(i, j)+wq[q]*toVals[i]*fromVals[j])
			}
		}
	}
	gp.Minv = gp.MassMatrix.InverseWithCheck()
	gp.P = gp.Minv.Mul(b)
	return gp, nil
}

// Matrix returns the projection matrix data in row-major order,
// row index running over target nodes.
func (gp *Projection) Matrix() []float64 {
	rows, cols := gp.P.Dims()
	out := make([]float64, rows*cols)
	copy(out, gp.P.DataP)
	return out
}

// Apply projects source node values onto the target nodes.
func (gp *Projection) Apply(src []float64) ([]float64, error) {
	nFrom := gp.From.NumNodes()
	if len(src) != nFrom {
		return nil, errors.Errorf("projection source has %d values, want %d", len(src), nFrom)
	}
	u := utils.NewMatrix(nFrom, 1)
	copy(u.DataP, src)
	return gp.P.Mul(u).DataP, nil
}

// ProjectionMatrix1D is a convenience wrapper returning only the
// row-major matrix taking source node values to target node values.
func ProjectionMatrix1D(from, to *Basis1D) ([]float64, error) {
	gp, err := NewProjection(from, to)
	if err != nil {
		return nil, err
	}
	return gp.Matrix(), nil
}
