package transfer

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
)

// NewGeometricTransfer builds the two-level transfer between a coarse
// space and its once-refined fine counterpart: either the active
// spaces of two forests related by one global coarsening step, or two
// consecutive levels of one forest. Every pair is processed on the
// rank owning the coarse cell; fine counterparts not retained there
// are fetched through the cell directory. Hanging-node constraints of
// the coarse space resolve during the cell gather, constrained fine
// dofs weigh zero. Collective.
func NewGeometricTransfer(ctx context.Context, coarse, fine *dofs.Handler,
	coarseConstraints, fineConstraints *dofs.Constraints, data AdditionalData) (*TwoLevel, error) {
	if coarse.Comm() != fine.Comm() {
		return nil, errors.New("transfer spaces live on different communicators")
	}
	if coarse.NumElements() != 1 || fine.NumElements() != 1 {
		return nil, errors.New("geometric transfer needs a single element on each side")
	}
	e := coarse.Element(0)
	ef := fine.Element(0)
	if e.Degree != ef.Degree || e.Continuous != ef.Continuous || e.Components != ef.Components || e.Dim != ef.Dim {
		return nil, errors.New("geometric transfer needs the same element on both sides")
	}
	levelMode := coarse.Level() != dofs.ActiveLevel || fine.Level() != dofs.ActiveLevel
	if levelMode {
		if coarse.Level() == dofs.ActiveLevel || fine.Level() == dofs.ActiveLevel {
			return nil, errors.New("geometric transfer cannot mix a level space with an active space")
		}
		if coarse.Mesh() != fine.Mesh() {
			return nil, errors.New("level spaces of a geometric transfer must share the forest")
		}
		if fine.Level() != coarse.Level()+1 {
			return nil, errors.Errorf("level spaces must be consecutive, got %d and %d", coarse.Level(), fine.Level())
		}
	} else if coarse.Mesh() == fine.Mesh() {
		return nil, errors.New("active geometric transfer needs distinct coarse and fine forests")
	}

	fineMesh := fine.Mesh()
	nChildren := fineMesh.NChildren()
	var identityCells, refinedCells, needed []mesh.CellID
	for _, c := range coarse.OwnedCells() {
		switch {
		case levelMode && !coarse.Mesh().IsRefined(c):
			// Leaf at the coarse level, nothing lives above it.
		case !levelMode && fineMesh.IsActive(c):
			identityCells = append(identityCells, c)
			needed = append(needed, c)
		default:
			refinedCells = append(refinedCells, c)
			for o := 0; o < nChildren; o++ {
				needed = append(needed, fineMesh.Child(c, o))
			}
		}
	}

	view, err := newFineCellView(fine, needed, !levelMode)
	if err != nil {
		return nil, err
	}

	identity := newIdentityScheme(e, 0, 0)
	refined, err := newRefinedScheme(e, 0, 0)
	if err != nil {
		return nil, err
	}
	identity.NCells = len(identityCells)
	refined.NCells = len(refinedCells)
	schemes := []*Scheme{identity, refined}

	renum := e.TransferRenumbering()
	idGlobalsC, err := gatherCellGlobals(coarse, identityCells, renum)
	if err != nil {
		return nil, err
	}
	refGlobalsC, err := gatherCellGlobals(coarse, refinedCells, renum)
	if err != nil {
		return nil, err
	}
	idGlobalsF := make([]int64, 0, len(idGlobalsC))
	for _, c := range identityCells {
		list, _, errV := view.CellDoFs(c)
		if errV != nil {
			return nil, errV
		}
		for _, slot := range renum {
			idGlobalsF = append(idGlobalsF, list[slot])
		}
	}

	dim := e.Dim
	n1 := e.Degree + 1
	comps := e.Components
	ns := e.NDoFsPerCellScalar()
	shift := childShift(e)
	nf1 := combinedFineSize1D(e)
	ndFine := refined.NDoFsFine
	refGlobalsF := make([]int64, refined.NCells*ndFine*comps)
	for k, c := range refinedCells {
		for o := 0; o < nChildren; o++ {
			list, _, errV := view.CellDoFs(fineMesh.Child(c, o))
			if errV != nil {
				return nil, errV
			}
			for lex := 0; lex < ns; lex++ {
				combined := combinedIndex(lex, o, n1, shift, nf1, dim)
				for comp := 0; comp < comps; comp++ {
					refGlobalsF[(k*comps+comp)*ndFine+combined] = list[renum[comp*ns+lex]]
				}
			}
		}
	}

	extra := view.RemoteDoFs(fine.NDoFs())
	finePart, err := fine.NewPartitioner(extra)
	if err != nil {
		return nil, err
	}
	coarsePart, err := coarse.NewPartitioner(nil)
	if err != nil {
		return nil, err
	}
	if identity.CoarseIndices, err = localize(coarsePart, idGlobalsC); err != nil {
		return nil, err
	}
	if identity.FineIndices, err = localize(finePart, idGlobalsF); err != nil {
		return nil, err
	}
	if refined.CoarseIndices, err = localize(coarsePart, refGlobalsC); err != nil {
		return nil, err
	}
	if refined.FineIndices, err = localize(finePart, refGlobalsF); err != nil {
		return nil, err
	}

	cons, err := buildCoarseGather(coarse, coarsePart, coarseConstraints, data.DisableFastHangingNodes,
		schemes, [][]mesh.CellID{identityCells, refinedCells}, [][]int64{idGlobalsC, refGlobalsC})
	if err != nil {
		return nil, err
	}

	if ef.Continuous {
		if err := computeInverseValenceWeights(schemes, finePart, fineConstraints, channelFine); err != nil {
			return nil, err
		}
	}

	tl := newTwoLevel(coarse.Comm(), schemes, cons, coarsePart, finePart, comps, ef.Continuous, view.Kind())
	logger.Get(ctx).Debug("geometric transfer ready",
		zap.Int("identityCells", identity.NCells),
		zap.Int("refinedCells", refined.NCells),
		zap.Stringer("view", view.Kind()),
		zap.Int64("coarseDoFs", coarse.NDoFs()),
		zap.Int64("fineDoFs", fine.NDoFs()))
	return tl, nil
}

// combinedIndex maps a child cell's lexicographic position into the
// combined fine block of its parent.
func combinedIndex(lex, octant, n1, shift, nf1, dim int) int {
	idx := 0
	stride := 1
	for d := 0; d < dim; d++ {
		pos := lex%n1 + ((octant>>uint(d))&1)*shift
		lex /= n1
		idx += pos * stride
		stride *= nf1
	}
	return idx
}

// gatherCellGlobals lists the cells' global dofs in kernel layout.
func gatherCellGlobals(h *dofs.Handler, cells []mesh.CellID, renum []int) ([]int64, error) {
	out := make([]int64, 0, len(cells)*len(renum))
	for _, c := range cells {
		list, ok := h.CellDoFs(c)
		if !ok {
			return nil, errors.Errorf("cell (level %d, index %d) is not retained", c.Level, c.Index)
		}
		for _, slot := range renum {
			out = append(out, list[slot])
		}
	}
	return out, nil
}

// localize maps global dof lists to local slots of a layout.
func localize(part *partitions.Partitioner, globals []int64) ([]int32, error) {
	out := make([]int32, len(globals))
	for i, g := range globals {
		local, ok := part.GlobalToLocal(g)
		if !ok {
			return nil, errors.Errorf("dof %d is neither owned nor ghosted", g)
		}
		out[i] = int32(local)
	}
	return out, nil
}

// buildCoarseGather picks the constraint resolution mode shared by all
// schemes of one transfer: plain when the coarse space is
// unconstrained, the swapped-master fast path when only hanging faces
// constrain it, the general row expansion otherwise.
func buildCoarseGather(coarse *dofs.Handler, coarsePart *partitions.Partitioner, cs *dofs.Constraints, disableFast bool,
	schemes []*Scheme, cells [][]mesh.CellID, globals [][]int64) ([]*ConstraintInfo, error) {
	out := make([]*ConstraintInfo, len(schemes))
	switch {
	case cs == nil || cs.NLines() == 0:
		for i, s := range schemes {
			out[i] = newPlainConstraintInfo(s)
		}
	case !disableFast && coarse.FastHangingNodeEligible(cs):
		for i, s := range schemes {
			faces := make([][]dofs.FaceConstraint, len(cells[i]))
			for k, c := range cells[i] {
				fcs, err := coarse.HangingFaces(c)
				if err != nil {
					return nil, err
				}
				faces[k] = fcs
			}
			ci, err := newFastConstraintInfo(s, coarse.Element(s.CoarseFE), faces, coarsePart)
			if err != nil {
				return nil, err
			}
			out[i] = ci
		}
	default:
		for i, s := range schemes {
			ci, err := newGeneralConstraintInfo(s, globals[i], cs, coarsePart)
			if err != nil {
				return nil, err
			}
			out[i] = ci
		}
	}
	return out, nil
}
