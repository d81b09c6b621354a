package element

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// EntityKind classifies a DoF position within the reference cell by the
// topological entity it sits on. Continuous elements share vertex, edge
// and face DoFs with neighboring cells; discontinuous elements treat
// every position as interior.
type EntityKind int

const (
	EntityVertex EntityKind = iota
	EntityEdge
	EntityFace
	EntityInterior
)

// EntityRef locates one scalar DoF position: which entity of the cell,
// and the position's index along that entity in ascending coordinate
// order.
type EntityRef struct {
	Kind   EntityKind
	Index  int // entity number within the cell
	Within int // position index within the entity
}

// Element is a tensor-product Lagrange element on the unit hypercube.
// Continuous (Q) elements carry entity-shared DoFs in hierarchic order:
// vertices first, then edge, face and interior positions. Discontinuous
// (DGQ) elements own every DoF per cell and use plain lexicographic
// order throughout.
type Element struct {
	Dim        int
	Degree     int
	Components int
	Continuous bool
	Basis      *Basis1D

	lexToHier []int
	hierToLex []int
	entities  []EntityRef
}

// NewQ builds a continuous tensor Lagrange element of the given degree
// (at least 1).
func NewQ(dim, degree, components int) (*Element, error) {
	if degree < 1 {
		return nil, errors.Errorf("continuous element needs degree >= 1, got %d", degree)
	}
	return newElement(dim, degree, components, true)
}

// NewDGQ builds a discontinuous tensor Lagrange element. Degree 0 is
// the piecewise constant element with a single midpoint node.
func NewDGQ(dim, degree, components int) (*Element, error) {
	if degree < 0 {
		return nil, errors.Errorf("negative degree %d", degree)
	}
	return newElement(dim, degree, components, false)
}

func newElement(dim, degree, components int, continuous bool) (*Element, error) {
	if dim < 1 || dim > 3 {
		return nil, errors.Errorf("unsupported dimension %d", dim)
	}
	if components < 1 {
		return nil, errors.Errorf("need at least one component, got %d", components)
	}
	basis, err := NewBasis1D(degree)
	if err != nil {
		return nil, err
	}
	e := &Element{
		Dim:        dim,
		Degree:     degree,
		Components: components,
		Continuous: continuous,
		Basis:      basis,
	}
	e.buildNumbering()
	return e, nil
}

// ShortName is a compact identifier such as Q2 or DGQ0, handy in error
// messages and logs.
func (e *Element) ShortName() string {
	if e.Continuous {
		return "Q" + itoa(e.Degree)
	}
	return "DGQ" + itoa(e.Degree)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// NDoFsPerCellScalar returns (degree+1)^dim.
func (e *Element) NDoFsPerCellScalar() int {
	n := 1
	for d := 0; d < e.Dim; d++ {
		n *= e.Degree + 1
	}
	return n
}

// NDoFsPerCell returns the per-cell DoF count including components.
func (e *Element) NDoFsPerCell() int {
	return e.Components * e.NDoFsPerCellScalar()
}

// DoFsPerVertex is 1 for continuous elements and 0 otherwise; a zero
// value signals that transfers need no continuity weighting.
func (e *Element) DoFsPerVertex() int {
	if e.Continuous {
		return 1
	}
	return 0
}

// Entity returns the entity classification of one scalar lexicographic
// position.
func (e *Element) Entity(lex int) EntityRef { return e.entities[lex] }

// LexicographicToHierarchic returns a copy of the map m with m[lex] =
// hierarchic position.
func (e *Element) LexicographicToHierarchic() []int {
	out := make([]int, len(e.lexToHier))
	copy(out, e.lexToHier)
	return out
}

// HierarchicToLexicographic is the inverse map.
func (e *Element) HierarchicToLexicographic() []int {
	out := make([]int, len(e.hierToLex))
	copy(out, e.hierToLex)
	return out
}

// TransferRenumbering maps a component-blocked lexicographic buffer
// slot c*nScalar+lex to the position of that DoF in the cell's
// hierarchic DoF list, where components interleave per scalar
// position.
func (e *Element) TransferRenumbering() []int {
	ns := e.NDoFsPerCellScalar()
	out := make([]int, e.Components*ns)
	for c := 0; c < e.Components; c++ {
		for lex := 0; lex < ns; lex++ {
			out[c*ns+lex] = e.lexToHier[lex]*e.Components + c
		}
	}
	return out
}

// SupportPoint returns the unit-cell coordinates of one scalar
// lexicographic position.
func (e *Element) SupportPoint(lex int) []float64 {
	pt := make([]float64, e.Dim)
	n1 := e.Degree + 1
	for d := 0; d < e.Dim; d++ {
		pt[d] = e.Basis.Nodes[lex%n1]
		lex /= n1
	}
	return pt
}

// RestrictionIsAdditive reports whether child restriction contributions
// accumulate (L2-projection elements) or inject (interpolatory
// elements, where positions shared between children must be counted
// once).
func (e *Element) RestrictionIsAdditive() bool { return !e.Continuous }

// childMap maps a child reference coordinate into the parent cell for
// child side 0 or 1 along one axis.
func childMap(side int, x float64) float64 {
	if side == 0 {
		return 0.5 * x
	}
	return 0.5 * (x + 1)
}

// Prolongation1D returns the (degree+1)^2 matrix taking parent node
// values to the node values of child 0 or 1: P[i,j] is parent basis j
// evaluated at child node i.
func (e *Element) Prolongation1D(child int) (*mat.Dense, error) {
	if child != 0 && child != 1 {
		return nil, errors.Errorf("1d child index %d out of range", child)
	}
	n := e.Degree + 1
	p := mat.NewDense(n, n, nil)
	row := make([]float64, n)
	for i, xi := range e.Basis.Nodes {
		e.Basis.EvalAll(childMap(child, xi), row)
		for j := 0; j < n; j++ {
			p.Set(i, j, row[j])
		}
	}
	return p, nil
}

// Restriction1D returns the per-child restriction matrix R[i,j] mapping
// child node values to parent node values. Continuous elements
// interpolate: a parent node lying inside the child gets the child's
// Lagrange row at the pulled-back point; a parent node at the shared
// midpoint gets a row from both children and is de-duplicated when the
// per-child matrices are merged. Discontinuous elements return the
// child's share of the parent L2 projection, which accumulates across
// children.
func (e *Element) Restriction1D(child int) (*mat.Dense, error) {
	if child != 0 && child != 1 {
		return nil, errors.Errorf("1d child index %d out of range", child)
	}
	n := e.Degree + 1
	r := mat.NewDense(n, n, nil)
	if e.Continuous {
		row := make([]float64, n)
		for i, xp := range e.Basis.Nodes {
			// Pull the parent node back into child coordinates.
			var s float64
			if child == 0 {
				s = 2 * xp
			} else {
				s = 2*xp - 1
			}
			if s < -1e-12 || s > 1+1e-12 {
				continue
			}
			e.Basis.EvalAll(s, row)
			for j := 0; j < n; j++ {
				v := row[j]
				if absf(v) < 1e-13 {
					v = 0
				}
				r.Set(i, j, v)
			}
		}
		return r, nil
	}

	m, err := e.Basis.MassMatrix()
	if err != nil {
		return nil, err
	}
	var minv mat.Dense
	if err := minv.Inverse(m); err != nil {
		return nil, errors.Wrap(err, "restriction: singular mass matrix")
	}
	// B[i,j] = 1/2 * integral over the child of parent_i * child_j.
	xq, wq, err := GaussLegendre(e.Degree + 1)
	if err != nil {
		return nil, err
	}
	b := mat.NewDense(n, n, nil)
	parentVals := make([]float64, n)
	childVals := make([]float64, n)
	for q, s := range xq {
		e.Basis.EvalAll(childMap(child, s), parentVals)
		e.Basis.EvalAll(s, childVals)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				b.Set(i, j, b.At(i, j)+0.5*wq[q]*parentVals[i]*childVals[j])
			}
		}
	}
	r.Mul(&minv, b)
	return r, nil
}

// ChildProlongationND assembles the dense prolongation for one of the
// 2^dim children from the 1D factors: the child octant's bit along each
// axis selects that axis's 1D matrix.
func (e *Element) ChildProlongationND(octant int) (*mat.Dense, error) {
	return e.childTensorND(octant, e.Prolongation1D)
}

// ChildRestrictionND is the dense per-child restriction before any
// de-duplication across children.
func (e *Element) ChildRestrictionND(octant int) (*mat.Dense, error) {
	return e.childTensorND(octant, e.Restriction1D)
}

func (e *Element) childTensorND(octant int, factor func(int) (*mat.Dense, error)) (*mat.Dense, error) {
	if octant < 0 || octant >= 1<<e.Dim {
		return nil, errors.Errorf("child octant %d out of range for dim %d", octant, e.Dim)
	}
	oneD := make([]*mat.Dense, e.Dim)
	for d := 0; d < e.Dim; d++ {
		m, err := factor((octant >> d) & 1)
		if err != nil {
			return nil, err
		}
		oneD[d] = m
	}
	ns := e.NDoFsPerCellScalar()
	n1 := e.Degree + 1
	out := mat.NewDense(ns, ns, nil)
	for i := 0; i < ns; i++ {
		for j := 0; j < ns; j++ {
			v := 1.0
			ii, jj := i, j
			for d := 0; d < e.Dim; d++ {
				v *= oneD[d].At(ii%n1, jj%n1)
				ii /= n1
				jj /= n1
			}
			out.Set(i, j, v)
		}
	}
	return out, nil
}

type classified struct {
	lex  int
	ref  EntityRef
	rank [3]int
}

// buildNumbering computes the hierarchic ordering and the entity
// classification of all scalar lexicographic positions. Discontinuous
// elements keep lexicographic order and classify everything interior.
func (e *Element) buildNumbering() {
	ns := e.NDoFsPerCellScalar()
	e.lexToHier = make([]int, ns)
	e.hierToLex = make([]int, ns)
	e.entities = make([]EntityRef, ns)

	if !e.Continuous {
		for i := 0; i < ns; i++ {
			e.lexToHier[i] = i
			e.hierToLex[i] = i
			e.entities[i] = EntityRef{Kind: EntityInterior, Index: 0, Within: i}
		}
		return
	}

	list := make([]classified, ns)
	for lex := 0; lex < ns; lex++ {
		ref := e.classify(lex)
		list[lex] = classified{lex: lex, ref: ref,
			rank: [3]int{int(ref.Kind), ref.Index, ref.Within}}
	}
	order := make([]int, ns)
	for i := range order {
		order[i] = i
	}
	// Hierarchic order: vertices, edges, faces, interior; then entity
	// number; then position along the entity.
	sort.Slice(order, func(a, b int) bool {
		return rankLess(list[order[a]].rank, list[order[b]].rank)
	})
	for hier, idx := range order {
		e.lexToHier[list[idx].lex] = hier
		e.hierToLex[hier] = list[idx].lex
		e.entities[list[idx].lex] = list[idx].ref
	}
}

// classify determines which cell entity a lexicographic position sits
// on. A coordinate at 0 or degree pins that axis to a side; the free
// axes span the entity.
func (e *Element) classify(lex int) EntityRef {
	n1 := e.Degree + 1
	coords := make([]int, e.Dim)
	for d := 0; d < e.Dim; d++ {
		coords[d] = lex % n1
		lex /= n1
	}
	var free []int
	bits := 0
	for d := 0; d < e.Dim; d++ {
		switch coords[d] {
		case 0:
		case e.Degree:
			bits |= 1 << d
		default:
			free = append(free, d)
		}
	}
	within := 0
	stride := 1
	for _, d := range free {
		within += (coords[d] - 1) * stride
		stride *= e.Degree - 1
	}
	switch len(free) {
	case 0:
		return EntityRef{Kind: EntityVertex, Index: bits}
	case 1:
		// Edge number: free axis major, side bits of the fixed axes
		// minor.
		fixedBits := 0
		k := 0
		for d := 0; d < e.Dim; d++ {
			if d == free[0] {
				continue
			}
			if bits&(1<<d) != 0 {
				fixedBits |= 1 << k
			}
			k++
		}
		return EntityRef{Kind: EntityEdge, Index: free[0]<<(uint(e.Dim)-1) | fixedBits, Within: within}
	case 2:
		fixedAxis := 0
		for d := 0; d < e.Dim; d++ {
			if d != free[0] && d != free[1] {
				fixedAxis = d
			}
		}
		s := 0
		if bits&(1<<fixedAxis) != 0 {
			s = 1
		}
		return EntityRef{Kind: EntityFace, Index: fixedAxis<<1 | s, Within: within}
	default:
		return EntityRef{Kind: EntityInterior, Within: within}
	}
}

func rankLess(a, b [3]int) bool {
	for k := 0; k < 3; k++ {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
