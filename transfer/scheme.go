// Package transfer implements two-level inter-grid transfer between
// distributed DoF vectors: geometric transfer across one refinement
// step, polynomial transfer between element degrees on the same cells,
// and non-nested transfer by point evaluation. Cell work is batched
// into lanes and applied by sum-factorized tensor kernels with a dense
// fallback.
package transfer

import (
	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/element"
)

// Scheme describes one homogeneous batch of cell transfers: all cells
// share the element pair and therefore the per-cell matrices. The
// geometric builder produces exactly two (identity and refined), the
// polynomial builder one per element pair. Matrices are scalar; the
// kernel loops components.
type Scheme struct {
	NCells int

	CoarseFE, FineFE int
	Components       int

	// 1D sizes: the coarse cell and the fine block, which for the
	// refined scheme is the combined child lattice.
	NCoarse1D, NFine1D int
	Dim                int

	// Scalar DoF counts per cell and fine block.
	NDoFsCoarse, NDoFsFine int

	// Identity schemes carry no matrices and copy.
	Identity bool

	// Additive marks L2-share restriction semantics (discontinuous
	// fine elements); non-additive fine DoFs take continuity weights.
	Additive bool

	Prolong1D  []float64 // NFine1D x NCoarse1D, row-major
	Restrict1D []float64 // NCoarse1D x NFine1D, injection (Interpolate)

	prolongDense  []float64 // NDoFsFine x NDoFsCoarse, built on demand
	restrictDense []float64

	// Per-cell local vector slots, components interleaved. Fine slots
	// follow the combined lexicographic block layout.
	CoarseIndices []int32
	FineIndices   []int32

	// Continuity weights in per-cell format, or compressed per-entity
	// masks; at most one is set.
	Weights     []float64
	WeightMasks []float64
}

// childShift is the per-axis offset of child octant digits in the
// combined fine lattice: children of continuous elements share the
// boundary layer, discontinuous ones stack.
func childShift(e *element.Element) int {
	if e.Continuous {
		return e.Degree
	}
	return e.Degree + 1
}

// combinedFineSize1D is the per-axis size of the refined scheme's fine
// block.
func combinedFineSize1D(e *element.Element) int {
	return childShift(e) + e.Degree + 1
}

func pow(base, exp int) int {
	n := 1
	for i := 0; i < exp; i++ {
		n *= base
	}
	return n
}

// newIdentityScheme covers coarse cells that exist unrefined on the
// fine side; values copy through.
func newIdentityScheme(e *element.Element, coarseFE, fineFE int) *Scheme {
	n1 := e.Degree + 1
	nd := pow(n1, e.Dim)
	return &Scheme{
		CoarseFE:    coarseFE,
		FineFE:      fineFE,
		Components:  e.Components,
		NCoarse1D:   n1,
		NFine1D:     n1,
		Dim:         e.Dim,
		NDoFsCoarse: nd,
		NDoFsFine:   nd,
		Identity:    true,
		Additive:    !e.Continuous,
	}
}

// newRefinedScheme couples a coarse cell with its 2^dim children
// through the combined fine lattice: per axis, both children's 1D
// prolongation rows stacked with the shared midpoint written once, and
// the injection rows de-duplicated to the first covering child for
// non-additive elements, summed for additive ones.
func newRefinedScheme(e *element.Element, coarseFE, fineFE int) (*Scheme, error) {
	nc1 := e.Degree + 1
	nf1 := combinedFineSize1D(e)
	shift := childShift(e)

	prolong := make([]float64, nf1*nc1)
	restrict := make([]float64, nc1*nf1)
	covered := make([]bool, nc1)
	for child := 0; child < 2; child++ {
		pm, err := e.Prolongation1D(child)
		if err != nil {
			return nil, err
		}
		rm, err := e.Restriction1D(child)
		if err != nil {
			return nil, err
		}
		for i := 0; i < nc1; i++ {
			row := child*shift + i
			for j := 0; j < nc1; j++ {
				prolong[row*nc1+j] = pm.At(i, j)
			}
		}
		for i := 0; i < nc1; i++ {
			rowCovers := false
			for j := 0; j < nc1; j++ {
				if v := rm.At(i, j); v > 1e-13 || v < -1e-13 {
					rowCovers = true
					break
				}
			}
			if !rowCovers {
				continue
			}
			if e.Continuous {
				if covered[i] {
					continue
				}
				covered[i] = true
			}
			for j := 0; j < nc1; j++ {
				restrict[i*nf1+child*shift+j] += rm.At(i, j)
			}
		}
	}

	return &Scheme{
		CoarseFE:    coarseFE,
		FineFE:      fineFE,
		Components:  e.Components,
		NCoarse1D:   nc1,
		NFine1D:     nf1,
		Dim:         e.Dim,
		NDoFsCoarse: pow(nc1, e.Dim),
		NDoFsFine:   pow(nf1, e.Dim),
		Additive:    !e.Continuous,
		Prolong1D:   prolong,
		Restrict1D:  restrict,
	}, nil
}

// newPolynomialScheme couples the same cells across two degrees:
// prolongation evaluates the coarse basis at the fine nodes, injection
// evaluates the fine basis at the coarse nodes for continuous
// elements and L2-projects for discontinuous ones.
func newPolynomialScheme(coarse, fine *element.Element, coarseFE, fineFE int) (*Scheme, error) {
	if coarse.Dim != fine.Dim {
		return nil, errors.Errorf("element dimensions differ: %d and %d", coarse.Dim, fine.Dim)
	}
	if coarse.Components != fine.Components {
		return nil, errors.Errorf("element components differ: %d and %d", coarse.Components, fine.Components)
	}
	nc1 := coarse.Degree + 1
	nf1 := fine.Degree + 1

	prolong := make([]float64, nf1*nc1)
	row := make([]float64, nc1)
	for i, x := range fine.Basis.Nodes {
		coarse.Basis.EvalAll(x, row)
		for j := 0; j < nc1; j++ {
			prolong[i*nc1+j] = row[j]
		}
	}

	restrict := make([]float64, nc1*nf1)
	if fine.Continuous {
		frow := make([]float64, nf1)
		for i, x := range coarse.Basis.Nodes {
			fine.Basis.EvalAll(x, frow)
			for j := 0; j < nf1; j++ {
				restrict[i*nf1+j] = frow[j]
			}
		}
	} else {
		proj, err := element.NewProjection(fine.Basis, coarse.Basis)
		if err != nil {
			return nil, err
		}
		copy(restrict, proj.Matrix())
	}

	return &Scheme{
		CoarseFE:    coarseFE,
		FineFE:      fineFE,
		Components:  coarse.Components,
		NCoarse1D:   nc1,
		NFine1D:     nf1,
		Dim:         coarse.Dim,
		NDoFsCoarse: pow(nc1, coarse.Dim),
		NDoFsFine:   pow(nf1, fine.Dim),
		Additive:    !fine.Continuous,
		Prolong1D:   prolong,
		Restrict1D:  restrict,
	}, nil
}

// kronecker expands a 1D matrix to the scheme's dimension by tensor
// product, rows and columns in lexicographic order.
func kronecker(m []float64, nOut1, nIn1, dim int) []float64 {
	nOut := pow(nOut1, dim)
	nIn := pow(nIn1, dim)
	out := make([]float64, nOut*nIn)
	for r := 0; r < nOut; r++ {
		for c := 0; c < nIn; c++ {
			v := 1.0
			rr, cc := r, c
			for d := 0; d < dim; d++ {
				v *= m[(rr%nOut1)*nIn1+cc%nIn1]
				rr /= nOut1
				cc /= nIn1
			}
			out[r*nIn+c] = v
		}
	}
	return out
}

// ProlongDense returns the full scalar cell matrix, building it on
// first use.
func (s *Scheme) ProlongDense() []float64 {
	if s.prolongDense == nil && !s.Identity {
		s.prolongDense = kronecker(s.Prolong1D, s.NFine1D, s.NCoarse1D, s.Dim)
	}
	return s.prolongDense
}

// RestrictDense returns the full scalar injection matrix, building it
// on first use.
func (s *Scheme) RestrictDense() []float64 {
	if s.restrictDense == nil && !s.Identity {
		s.restrictDense = kronecker(s.Restrict1D, s.NCoarse1D, s.NFine1D, s.Dim)
	}
	return s.restrictDense
}

// MemoryConsumption estimates the scheme footprint in bytes.
func (s *Scheme) MemoryConsumption() int64 {
	n := len(s.Prolong1D) + len(s.Restrict1D) + len(s.prolongDense) +
		len(s.restrictDense) + len(s.Weights) + len(s.WeightMasks)
	return int64(n)*8 + int64(len(s.CoarseIndices)+len(s.FineIndices))*4
}
