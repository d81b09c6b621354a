package multigrid

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/partitions"
)

// ConnectExternalSpace reconciles the finest level's numbering with an
// externally distributed space over the same cells. Identical per-cell
// dof lists keep the plain copy; a consistent permutation switches the
// level copies to the renumbered form; anything else fails. Collective.
func (h *Hierarchy) ConnectExternalSpace(ctx context.Context, outer *dofs.Handler) error {
	if h.transfers == nil {
		return errors.New("hierarchy is cleared")
	}
	fin := h.spaces[len(h.spaces)-1]
	if outer.Comm() != h.c {
		return errors.New("external space lives on another communicator")
	}
	if outer.NDoFs() != fin.NDoFs() {
		return errors.Errorf("external space has %d dofs, the finest level has %d", outer.NDoFs(), fin.NDoFs())
	}
	ob, oe := outer.OwnedRange()
	fb, fe := fin.OwnedRange()
	if ob != fb || oe != fe {
		return errors.Errorf("external space owns [%d, %d), the finest level owns [%d, %d)", ob, oe, fb, fe)
	}

	cells := fin.OwnedCells()
	finLists := make([][]int64, 0, len(cells))
	outLists := make([][]int64, 0, len(cells))
	var finAll, outAll []int64
	for _, c := range cells {
		finList, ok := fin.CellDoFs(c)
		if !ok {
			return errors.Errorf("finest level does not retain cell (level %d, index %d)", c.Level, c.Index)
		}
		outList, ok := outer.CellDoFs(c)
		if !ok {
			return errors.Errorf("external space does not cover cell (level %d, index %d)", c.Level, c.Index)
		}
		if len(outList) != len(finList) {
			return errors.Errorf("cell (level %d, index %d) carries %d external dofs but %d level dofs",
				c.Level, c.Index, len(outList), len(finList))
		}
		finLists = append(finLists, finList)
		outLists = append(outLists, outList)
		finAll = append(finAll, finList...)
		outAll = append(outAll, outList...)
	}

	plain := h.c.AllreduceAnd(comm.DigestInt64s(finAll) == comm.DigestInt64s(outAll))
	if plain {
		h.copyMode = copyPlain
		h.perm = nil
		logger.Get(ctx).Debug("external space reconciled", zap.String("copy", "plain"))
		return nil
	}

	perm := make([]int64, oe-ob)
	for i := range perm {
		perm[i] = -1
	}
	for ci, c := range cells {
		finList := finLists[ci]
		outList := outLists[ci]
		for k, g := range outList {
			gf := finList[k]
			ownsOut := g >= ob && g < oe
			ownsFin := gf >= fb && gf < fe
			if ownsOut != ownsFin {
				return errors.Errorf("cell (level %d, index %d) slot %d crosses owners between numberings",
					c.Level, c.Index, k)
			}
			if !ownsOut {
				continue
			}
			if prev := perm[g-ob]; prev >= 0 && prev != gf-fb {
				return errors.Errorf("external dof %d maps to both level dofs %d and %d",
					g, fb+prev, gf)
			}
			perm[g-ob] = gf - fb
		}
	}
	for i, j := range perm {
		if j < 0 {
			return errors.Errorf("external dof %d touches no owned cell", ob+int64(i))
		}
	}
	h.copyMode = copyRenumbered
	h.perm = perm
	logger.Get(ctx).Debug("external space reconciled", zap.String("copy", "renumbered"))
	return nil
}

func (h *Hierarchy) checkLevelVectors(levels []*partitions.Vector) error {
	if h.transfers == nil {
		return errors.New("hierarchy is cleared")
	}
	if len(levels) != len(h.spaces) {
		return errors.Errorf("got %d level vectors for %d levels", len(levels), len(h.spaces))
	}
	for l, v := range levels {
		if v == nil {
			return errors.Errorf("level %d vector is nil", l)
		}
	}
	return nil
}

// copyToFinest moves the owned section of an external vector into the
// finest level vector, permuting when the numberings differ.
func (h *Hierarchy) copyToFinest(dst, src *partitions.Vector) error {
	if h.copyMode == copyPlain {
		return dst.CopyOwnedFrom(src)
	}
	so, do := src.Owned(), dst.Owned()
	if len(so) != len(h.perm) || len(do) != len(h.perm) {
		return errors.Errorf("owned sections %d and %d do not fit the %d-entry copy permutation",
			len(so), len(do), len(h.perm))
	}
	for i, j := range h.perm {
		do[j] = so[i]
	}
	dst.SetGhostState(partitions.GhostsInvalid)
	return nil
}

// CopyToMG seeds the level vectors from an external vector: the owned
// section lands on the finest level, every coarser level is zeroed.
func (h *Hierarchy) CopyToMG(levels []*partitions.Vector, src *partitions.Vector) error {
	if err := h.checkLevelVectors(levels); err != nil {
		return err
	}
	for l := 0; l < h.MaxLevel(); l++ {
		levels[l].Zero()
	}
	return h.copyToFinest(levels[h.MaxLevel()], src)
}

// CopyFromMG moves the finest level vector back into an external
// vector, inverting the copy permutation when one is active.
func (h *Hierarchy) CopyFromMG(dst *partitions.Vector, levels []*partitions.Vector) error {
	if err := h.checkLevelVectors(levels); err != nil {
		return err
	}
	fin := levels[h.MaxLevel()]
	if h.copyMode == copyPlain {
		return dst.CopyOwnedFrom(fin)
	}
	fo, do := fin.Owned(), dst.Owned()
	if len(fo) != len(h.perm) || len(do) != len(h.perm) {
		return errors.Errorf("owned sections %d and %d do not fit the %d-entry copy permutation",
			len(fo), len(do), len(h.perm))
	}
	for i, j := range h.perm {
		do[i] = fo[j]
	}
	dst.SetGhostState(partitions.GhostsInvalid)
	return nil
}

// InterpolateToMG fills every level by injecting the external vector
// down the hierarchy, finest to coarsest. Collective.
func (h *Hierarchy) InterpolateToMG(levels []*partitions.Vector, src *partitions.Vector) error {
	if err := h.checkLevelVectors(levels); err != nil {
		return err
	}
	if err := h.copyToFinest(levels[h.MaxLevel()], src); err != nil {
		return err
	}
	for l := h.MaxLevel(); l > 0; l-- {
		if err := h.transfers[l-1].Interpolate(levels[l-1], levels[l]); err != nil {
			return errors.Wrapf(err, "injection to level %d", l-1)
		}
	}
	return nil
}
