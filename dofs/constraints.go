package dofs

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/element"
	"github.com/notargets/mgkernel/mesh"
)

// Entry couples one master DoF with its interpolation weight.
type Entry struct {
	DoF    int64
	Weight float64
}

// Constraints maps constrained DoFs to linear combinations of master
// DoFs. All lines are homogeneous.
type Constraints struct {
	lines       map[int64][]Entry
	hangingOnly bool
	closed      bool
}

// NewConstraints returns an empty container.
func NewConstraints() *Constraints {
	return &Constraints{lines: map[int64][]Entry{}}
}

// Constrain adds one line. A line already present is left untouched;
// hanging-face traversal discovers shared edges from both sides with
// identical weights.
func (cs *Constraints) Constrain(dof int64, entries []Entry) {
	if _, ok := cs.lines[dof]; ok {
		return
	}
	cs.lines[dof] = append([]Entry(nil), entries...)
	cs.closed = false
}

// ConstrainUser adds a caller-defined line, clearing the hanging-only
// marker.
func (cs *Constraints) ConstrainUser(dof int64, entries []Entry) {
	cs.hangingOnly = false
	cs.Constrain(dof, entries)
}

// IsConstrained reports whether a DoF has a line.
func (cs *Constraints) IsConstrained(dof int64) bool {
	_, ok := cs.lines[dof]
	return ok
}

// Entries returns the line of a constrained DoF.
func (cs *Constraints) Entries(dof int64) ([]Entry, bool) {
	e, ok := cs.lines[dof]
	return e, ok
}

// NLines returns the constrained DoF count.
func (cs *Constraints) NLines() int { return len(cs.lines) }

// HangingOnly reports whether every line came from hanging-face
// construction.
func (cs *Constraints) HangingOnly() bool { return cs.hangingOnly }

// ConstrainedDoFs lists the constrained DoFs in ascending order.
func (cs *Constraints) ConstrainedDoFs() []int64 {
	out := make([]int64, 0, len(cs.lines))
	for dof := range cs.lines {
		out = append(out, dof)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close substitutes masters that are themselves constrained until
// every line references unconstrained DoFs only. Chains arise when a
// hanging vertex serves as the endpoint of a coarser hanging edge.
func (cs *Constraints) Close() error {
	if cs.closed {
		return nil
	}
	for pass := 0; ; pass++ {
		if pass > 100 {
			return errors.New("constraint chain does not resolve")
		}
		changed := false
		for dof, entries := range cs.lines {
			resolved := map[int64]float64{}
			hit := false
			for _, e := range entries {
				if sub, ok := cs.lines[e.DoF]; ok && e.DoF != dof {
					hit = true
					for _, s := range sub {
						resolved[s.DoF] += e.Weight * s.Weight
					}
				} else {
					resolved[e.DoF] += e.Weight
				}
			}
			if !hit {
				continue
			}
			changed = true
			out := make([]Entry, 0, len(resolved))
			for d, w := range resolved {
				if w > 1e-14 || w < -1e-14 {
					out = append(out, Entry{DoF: d, Weight: w})
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].DoF < out[j].DoF })
			cs.lines[dof] = out
		}
		if !changed {
			break
		}
	}
	cs.closed = true
	return nil
}

// faceLexPositions lists the lexicographic positions of a cell face
// in ascending order along the face, for two-dimensional cells.
func faceLexPositions(e *element.Element, face int) []int {
	n1 := e.Degree + 1
	a := face / 2
	side := face % 2
	b := 1 - a
	out := make([]int, n1)
	for i := 0; i < n1; i++ {
		var coord [2]int
		coord[a] = side * e.Degree
		coord[b] = i
		out[i] = coord[0] + coord[1]*n1
	}
	return out
}

// MakeHangingNodeConstraints builds the continuity constraints of the
// nonconforming faces between this rank's cells and their neighbors.
// Discontinuous spaces and level spaces have none; hanging faces of
// three-dimensional meshes are not supported.
func (h *Handler) MakeHangingNodeConstraints() (*Constraints, error) {
	cs := NewConstraints()
	cs.hangingOnly = true
	if h.level != ActiveLevel || !h.elems[0].Continuous || h.msh.Dim == 1 {
		return cs, nil
	}

	coarseSides, err := h.hangingCoarseSides()
	if err != nil {
		return nil, err
	}
	for _, side := range coarseSides {
		if err := h.constrainFace(cs, side.cell, side.face); err != nil {
			return nil, err
		}
	}
	if err := cs.Close(); err != nil {
		return nil, err
	}
	return cs, nil
}

type coarseSide struct {
	cell mesh.CellID
	face int
}

// hangingCoarseSides finds the retained cells sitting on the coarse
// side of a nonconforming face, in deterministic order.
func (h *Handler) hangingCoarseSides() ([]coarseSide, error) {
	var out []coarseSide
	cells := make([]mesh.CellID, 0, len(h.cellDoFs))
	for c := range h.cellDoFs {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Level != cells[j].Level {
			return cells[i].Level < cells[j].Level
		}
		return cells[i].Index < cells[j].Index
	})
	for _, c := range cells {
		if !h.msh.IsActive(c) {
			continue
		}
		for f := 0; f < h.msh.NFaces(); f++ {
			n := h.msh.Neighbor(c, f)
			if n == mesh.Invalid || !h.msh.IsRefined(n) {
				continue
			}
			if h.msh.Dim == 3 {
				return nil, errors.New("hanging faces of three-dimensional meshes are not supported")
			}
			out = append(out, coarseSide{cell: c, face: f})
		}
	}
	return out, nil
}

// constrainFace couples the face DoFs of the fine cells across one
// nonconforming face to the coarse cell's face DoFs. Fine nodes
// coinciding with coarse vertices share the DoF already and get no
// line.
func (h *Handler) constrainFace(cs *Constraints, coarse mesh.CellID, f int) error {
	e := h.elems[0]
	comps := int64(e.Components)
	coarseList, ok := h.cellDoFs[coarse]
	if !ok {
		return nil
	}
	lexToHier := e.LexicographicToHierarchic()
	coarsePos := faceLexPositions(e, f)
	finePos := faceLexPositions(e, f^1)
	neighbor := h.msh.Neighbor(coarse, f)
	b := 1 - f/2

	for octant := 0; octant < h.msh.NChildren(); octant++ {
		if !touchesFace(f, octant, h.msh.Dim) {
			continue
		}
		child := h.msh.Child(neighbor, octant)
		if !h.msh.IsActive(child) {
			return errors.Errorf("face balance violated at cell (level %d, index %d)", child.Level, child.Index)
		}
		childList, ok := h.cellDoFs[child]
		if !ok {
			continue
		}
		subface := (octant >> uint(b)) & 1
		p, err := e.Prolongation1D(subface)
		if err != nil {
			return err
		}
		for i := 0; i <= e.Degree; i++ {
			fineScalar := childList[int64(lexToHier[finePos[i]])*comps] / comps
			entries := make([]Entry, 0, e.Degree+1)
			selfOnly := false
			for j := 0; j <= e.Degree; j++ {
				w := p.At(i, j)
				if w < 1e-12 && w > -1e-12 {
					continue
				}
				master := coarseList[int64(lexToHier[coarsePos[j]])*comps] / comps
				if master == fineScalar {
					selfOnly = true
					break
				}
				entries = append(entries, Entry{DoF: master, Weight: w})
			}
			if selfOnly || len(entries) == 0 {
				continue
			}
			for comp := int64(0); comp < comps; comp++ {
				line := make([]Entry, len(entries))
				for k, en := range entries {
					line[k] = Entry{DoF: en.DoF*comps + comp, Weight: en.Weight}
				}
				cs.Constrain(fineScalar*comps+comp, line)
			}
		}
	}
	return nil
}

// FastHangingNodeEligible reports whether the compiled hanging-face
// elimination can serve this space instead of general line expansion:
// one uniform element across all cells, continuous tensor-product
// Lagrange, and a constraint set holding nothing but hanging-node
// lines.
func (h *Handler) FastHangingNodeEligible(cs *Constraints) bool {
	return len(h.elems) == 1 && h.elems[0].Continuous && cs.HangingOnly()
}

// FaceConstraint describes one hanging face of a fine-side cell: the
// fine face DoFs equal the subface interpolation of the listed coarse
// masters.
type FaceConstraint struct {
	Face    int
	Subface int
	Masters []int64
}

// HangingFaces lists the hanging faces a retained fine-side cell
// participates in, with the coarse neighbor's face DoFs in ascending
// face order, components interleaved. Cells of conforming meshes
// return none.
func (h *Handler) HangingFaces(c mesh.CellID) ([]FaceConstraint, error) {
	if h.msh.Dim != 2 || h.level != ActiveLevel || !h.elems[0].Continuous {
		return nil, nil
	}
	parent, octant := h.msh.Parent(c)
	if parent == mesh.Invalid {
		return nil, nil
	}
	e := h.elems[0]
	comps := int64(e.Components)
	lexToHier := e.LexicographicToHierarchic()
	var out []FaceConstraint
	for f := 0; f < h.msh.NFaces(); f++ {
		// The face is hanging when the same-level neighbor is missing
		// but the parent's neighbor is active.
		if !touchesFace(f^1, octant, h.msh.Dim) {
			// The cell sits against a sibling along this axis.
			continue
		}
		if n := h.msh.Neighbor(c, f); n != mesh.Invalid && h.msh.Exists(n) {
			continue
		}
		coarse := h.msh.Neighbor(parent, f)
		if coarse == mesh.Invalid || !h.msh.IsActive(coarse) {
			continue
		}
		coarseList, ok := h.cellDoFs[coarse]
		if !ok {
			return nil, errors.Errorf("coarse neighbor of cell (level %d, index %d) not retained", c.Level, c.Index)
		}
		b := 1 - f/2
		coarsePos := faceLexPositions(e, f^1)
		masters := make([]int64, 0, int64(e.Degree+1)*comps)
		for j := 0; j <= e.Degree; j++ {
			scalar := coarseList[int64(lexToHier[coarsePos[j]])*comps] / comps
			for comp := int64(0); comp < comps; comp++ {
				masters = append(masters, scalar*comps+comp)
			}
		}
		out = append(out, FaceConstraint{Face: f, Subface: (octant >> uint(b)) & 1, Masters: masters})
	}
	return out, nil
}
