package transfer

import (
	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/element"
	"github.com/notargets/mgkernel/partitions"
)

type gatherMode int

const (
	gatherPlain gatherMode = iota
	gatherGeneral
	gatherFast
)

// ConstraintInfo performs the coarse-side cell gather and its
// transpose scatter. The plain form reads the scheme's slot list
// directly. The general form resolves every slot through its
// constraint row. The fast form reads hanging masters through swapped
// slots and recovers the cell's own face values with in-buffer subface
// interpolation keyed by a per-cell face mask.
type ConstraintInfo struct {
	mode gatherMode

	// slots is the flat per-cell kernel-layout list, the scheme's own
	// for plain gathers and a master-swapped copy for fast ones.
	slots []int32

	rowPtr  []int32
	rowSlot []int32
	rowW    []float64

	faceMasks []uint8
	subface   [2][]float64
	tmp       []float64
	n1, comps int
}

// newPlainConstraintInfo gathers through the scheme's slot list
// unchanged.
func newPlainConstraintInfo(s *Scheme) *ConstraintInfo {
	return &ConstraintInfo{mode: gatherPlain, slots: s.CoarseIndices, comps: s.Components}
}

// newGeneralConstraintInfo expands every coarse cell slot into its
// constraint row: free dofs keep an identity entry, constrained dofs
// list their localized masters. globals is the per-cell kernel-layout
// global dof list the scheme's slots were localized from.
func newGeneralConstraintInfo(s *Scheme, globals []int64, cons *dofs.Constraints, part *partitions.Partitioner) (*ConstraintInfo, error) {
	nRow := s.NCells * s.NDoFsCoarse * s.Components
	ci := &ConstraintInfo{
		mode:   gatherGeneral,
		rowPtr: make([]int32, nRow+1),
		comps:  s.Components,
	}
	for r := 0; r < nRow; r++ {
		g := globals[r]
		if entries, ok := cons.Entries(g); ok {
			for _, en := range entries {
				local, okL := part.GlobalToLocal(en.DoF)
				if !okL {
					return nil, errors.Errorf("constraint master %d of dof %d is not local", en.DoF, g)
				}
				ci.rowSlot = append(ci.rowSlot, int32(local))
				ci.rowW = append(ci.rowW, en.Weight)
			}
		} else {
			local, okL := part.GlobalToLocal(g)
			if !okL {
				return nil, errors.Errorf("coarse dof %d is not local", g)
			}
			ci.rowSlot = append(ci.rowSlot, int32(local))
			ci.rowW = append(ci.rowW, 1)
		}
		ci.rowPtr[r+1] = int32(len(ci.rowSlot))
	}
	return ci, nil
}

// newFastConstraintInfo swaps hanging masters into a copy of the slot
// list and prepares the per-cell face masks and subface interpolation
// rows. faces aligns with the scheme's cell order.
func newFastConstraintInfo(s *Scheme, e *element.Element, faces [][]dofs.FaceConstraint, part *partitions.Partitioner) (*ConstraintInfo, error) {
	ci := &ConstraintInfo{
		mode:  gatherFast,
		slots: append([]int32(nil), s.CoarseIndices...),
		n1:    e.Degree + 1,
		comps: e.Components,
	}
	ci.tmp = make([]float64, ci.n1)
	for child := 0; child < 2; child++ {
		p, err := e.Prolongation1D(child)
		if err != nil {
			return nil, err
		}
		flat := make([]float64, ci.n1*ci.n1)
		for i := 0; i < ci.n1; i++ {
			for j := 0; j < ci.n1; j++ {
				flat[i*ci.n1+j] = p.At(i, j)
			}
		}
		ci.subface[child] = flat
	}
	ci.faceMasks = make([]uint8, s.NCells)
	ndc := s.NDoFsCoarse * s.Components
	for k, fcs := range faces {
		var mask uint8
		for _, fc := range fcs {
			mask |= uint8(fc.Subface+1) << uint(2*fc.Face)
			line := faceLatticeLine(ci.n1, fc.Face)
			for j, lex := range line {
				for c := 0; c < ci.comps; c++ {
					g := fc.Masters[j*ci.comps+c]
					local, ok := part.GlobalToLocal(g)
					if !ok {
						return nil, errors.Errorf("hanging master %d is not local", g)
					}
					ci.slots[k*ndc+c*s.NDoFsCoarse+lex] = int32(local)
				}
			}
		}
		ci.faceMasks[k] = mask
	}
	return ci, nil
}

// faceLatticeLine lists the lexicographic positions of one face of the
// two-dimensional n1 x n1 lattice, ascending along the tangential
// axis.
func faceLatticeLine(n1, face int) []int {
	a := face / 2
	side := face % 2
	b := 1 - a
	out := make([]int, n1)
	var coord [2]int
	coord[a] = side * (n1 - 1)
	for i := 0; i < n1; i++ {
		coord[b] = i
		out[i] = coord[0] + coord[1]*n1
	}
	return out
}

// GatherLane fills one lane of the coarse block from the local vector
// storage.
func (ci *ConstraintInfo) GatherLane(s *Scheme, cell, lane int, vec, buf []float64) {
	n := s.NDoFsCoarse * s.Components
	base := cell * n
	if ci.mode == gatherGeneral {
		for r := 0; r < n; r++ {
			var v float64
			for e := ci.rowPtr[base+r]; e < ci.rowPtr[base+r+1]; e++ {
				v += ci.rowW[e] * vec[ci.rowSlot[e]]
			}
			buf[r*laneWidth+lane] = v
		}
		return
	}
	slots := ci.slots[base : base+n]
	for r, slot := range slots {
		buf[r*laneWidth+lane] = vec[slot]
	}
}

// ScatterAddLane accumulates one lane of the coarse block into the
// local vector storage, the transpose of GatherLane.
func (ci *ConstraintInfo) ScatterAddLane(s *Scheme, cell, lane int, buf, vec []float64) {
	n := s.NDoFsCoarse * s.Components
	base := cell * n
	if ci.mode == gatherGeneral {
		for r := 0; r < n; r++ {
			v := buf[r*laneWidth+lane]
			if v == 0 {
				continue
			}
			for e := ci.rowPtr[base+r]; e < ci.rowPtr[base+r+1]; e++ {
				vec[ci.rowSlot[e]] += ci.rowW[e] * v
			}
		}
		return
	}
	slots := ci.slots[base : base+n]
	for r, slot := range slots {
		vec[slot] += buf[r*laneWidth+lane]
	}
}

// ApplyFaceTransforms maps gathered master values on masked faces to
// the cells' own constrained face values, one lane per cell.
func (ci *ConstraintInfo) ApplyFaceTransforms(s *Scheme, cells []int, buf []float64) {
	if ci.mode != gatherFast {
		return
	}
	for lane, cell := range cells {
		if mask := ci.faceMasks[cell]; mask != 0 {
			ci.transformLane(s, mask, lane, buf, false)
		}
	}
}

// ApplyFaceTransformsT runs the transposed transforms ahead of a
// restriction scatter, folding face values back onto their masters.
func (ci *ConstraintInfo) ApplyFaceTransformsT(s *Scheme, cells []int, buf []float64) {
	if ci.mode != gatherFast {
		return
	}
	for lane, cell := range cells {
		if mask := ci.faceMasks[cell]; mask != 0 {
			ci.transformLane(s, mask, lane, buf, true)
		}
	}
}

// transformLane interpolates each masked face line in place. The
// forward pass runs faces in ascending order; the transpose reverses
// the order so the composition stays the exact adjoint when two masked
// faces share a corner.
func (ci *ConstraintInfo) transformLane(s *Scheme, mask uint8, lane int, buf []float64, transpose bool) {
	n1 := ci.n1
	faces := [4]int{0, 1, 2, 3}
	if transpose {
		faces = [4]int{3, 2, 1, 0}
	}
	for _, f := range faces {
		code := (mask >> uint(2*f)) & 3
		if code == 0 {
			continue
		}
		m := ci.subface[code-1]
		line := faceLatticeLine(n1, f)
		for c := 0; c < ci.comps; c++ {
			off := c * s.NDoFsCoarse
			for i := 0; i < n1; i++ {
				var v float64
				for j := 0; j < n1; j++ {
					if transpose {
						v += m[j*n1+i] * buf[(off+line[j])*laneWidth+lane]
					} else {
						v += m[i*n1+j] * buf[(off+line[j])*laneWidth+lane]
					}
				}
				ci.tmp[i] = v
			}
			for i := 0; i < n1; i++ {
				buf[(off+line[i])*laneWidth+lane] = ci.tmp[i]
			}
		}
	}
}

// MemoryConsumption returns the byte footprint of the gather data.
func (ci *ConstraintInfo) MemoryConsumption() int64 {
	n := int64(len(ci.rowPtr)+len(ci.rowSlot))*4 + int64(len(ci.rowW))*8
	if ci.mode == gatherFast {
		n += int64(len(ci.slots))*4 + int64(len(ci.faceMasks))
		n += int64(len(ci.subface[0])+len(ci.subface[1])+len(ci.tmp)) * 8
	}
	return n
}
