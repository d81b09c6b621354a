// Package multigrid composes two-level transfers into a full level
// hierarchy with one prolongate/restrict surface per adjacent pair,
// the layer a multigrid cycle drives. Levels are positions in the
// space list, ascending coarse to fine.
package multigrid

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
	"github.com/notargets/mgkernel/transfer"
)

// Mode names how the hierarchy's spaces relate.
type Mode int

const (
	// ModeGlobalCoarsening links the active spaces of a chain of
	// separately coarsened forests.
	ModeGlobalCoarsening Mode = iota
	// ModeLocalSmoothing links explicit level spaces of one forest.
	ModeLocalSmoothing
)

// String names the mode for logs.
func (m Mode) String() string {
	if m == ModeLocalSmoothing {
		return "local-smoothing"
	}
	return "global-coarsening"
}

type copyKind int

const (
	copyPlain copyKind = iota
	copyRenumbered
)

// Hierarchy holds one two-level transfer per adjacent pair of a
// coarse-to-fine space list. Transfer i connects level i to level i+1.
// Steady-state operations dispatch to the pair transfer; copies between
// an external vector and the finest level honor the numbering
// reconciliation established by ConnectExternalSpace.
type Hierarchy struct {
	c         *comm.Comm
	mode      Mode
	spaces    []*dofs.Handler
	transfers []*transfer.TwoLevel

	copyMode copyKind
	perm     []int64
}

// NewHierarchy builds the pair transfers for spaces ordered coarse to
// fine. Consecutive explicit levels of one forest with one shared
// element take the geometric level path; every other pair goes through
// the top-level transfer selection. constraints may be nil or carry one
// entry per space, nil entries meaning an unconstrained side.
// Collective.
func NewHierarchy(ctx context.Context, spaces []*dofs.Handler, constraints []*dofs.Constraints,
	data transfer.AdditionalData) (*Hierarchy, error) {
	if len(spaces) < 2 {
		return nil, errors.Errorf("a hierarchy needs at least two spaces, got %d", len(spaces))
	}
	if constraints != nil && len(constraints) != len(spaces) {
		return nil, errors.Errorf("got %d constraint sets for %d spaces", len(constraints), len(spaces))
	}
	c := spaces[0].Comm()
	mode := ModeLocalSmoothing
	for _, s := range spaces {
		if s.Comm() != c {
			return nil, errors.New("hierarchy spaces live on different communicators")
		}
		if s.Level() == dofs.ActiveLevel || s.Mesh() != spaces[0].Mesh() {
			mode = ModeGlobalCoarsening
		}
	}

	consAt := func(i int) *dofs.Constraints {
		if constraints == nil {
			return nil
		}
		return constraints[i]
	}
	h := &Hierarchy{c: c, mode: mode, spaces: spaces}
	for i := 0; i < len(spaces)-1; i++ {
		coarse, fine := spaces[i], spaces[i+1]
		var tr *transfer.TwoLevel
		var err error
		if coarse.Level() != dofs.ActiveLevel && fine.Level() != dofs.ActiveLevel &&
			coarse.Mesh() == fine.Mesh() && fine.Level() == coarse.Level()+1 {
			tr, err = transfer.NewGeometricTransfer(ctx, coarse, fine, consAt(i), consAt(i+1), data)
		} else {
			tr, err = transfer.Reinit(ctx, coarse, fine, consAt(i), consAt(i+1), data)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "level pair %d-%d", i, i+1)
		}
		h.transfers = append(h.transfers, tr)
	}
	logger.Get(ctx).Debug("transfer hierarchy ready",
		zap.Stringer("mode", mode),
		zap.Int("levels", len(spaces)))
	return h, nil
}

// Mode reports how the hierarchy's spaces relate.
func (h *Hierarchy) Mode() Mode { return h.mode }

// MinLevel returns the coarsest level position.
func (h *Hierarchy) MinLevel() int { return 0 }

// MaxLevel returns the finest level position.
func (h *Hierarchy) MaxLevel() int { return len(h.spaces) - 1 }

// Space returns the handler behind one level.
func (h *Hierarchy) Space(level int) (*dofs.Handler, error) {
	if err := h.checkLevel(level); err != nil {
		return nil, err
	}
	return h.spaces[level], nil
}

// Transfer returns the two-level transfer feeding one level from below.
func (h *Hierarchy) Transfer(toLevel int) (*transfer.TwoLevel, error) {
	if err := h.checkLevel(toLevel); err != nil {
		return nil, err
	}
	if toLevel == 0 {
		return nil, errors.New("level 0 has no transfer below it")
	}
	return h.transfers[toLevel-1], nil
}

func (h *Hierarchy) checkLevel(level int) error {
	if h.transfers == nil {
		return errors.New("hierarchy is cleared")
	}
	if level < 0 || level >= len(h.spaces) {
		return errors.Errorf("level %d outside [0, %d]", level, len(h.spaces)-1)
	}
	return nil
}

// NewLevelVector allocates a vector on one level's transfer layout.
// Levels below the top use the coarse side of their upward transfer,
// the top uses the fine side of the transfer below it.
func (h *Hierarchy) NewLevelVector(level int) (*partitions.Vector, error) {
	if err := h.checkLevel(level); err != nil {
		return nil, err
	}
	if level == h.MaxLevel() {
		return h.transfers[level-1].NewFineVector(), nil
	}
	return h.transfers[level].NewCoarseVector(), nil
}

// Prolongate overwrites the level-toLevel vector with the prolongation
// of the vector one level below. Collective.
func (h *Hierarchy) Prolongate(toLevel int, dst, src *partitions.Vector) error {
	tr, err := h.Transfer(toLevel)
	if err != nil {
		return err
	}
	return tr.Prolongate(dst, src)
}

// ProlongateAndAdd accumulates the prolongation of the vector one level
// below toLevel into dst. Collective.
func (h *Hierarchy) ProlongateAndAdd(toLevel int, dst, src *partitions.Vector) error {
	tr, err := h.Transfer(toLevel)
	if err != nil {
		return err
	}
	return tr.ProlongateAndAdd(dst, src)
}

// RestrictAndAdd accumulates the restriction of the level-fromLevel
// vector into the vector one level below. Collective.
func (h *Hierarchy) RestrictAndAdd(fromLevel int, dst, src *partitions.Vector) error {
	tr, err := h.Transfer(fromLevel)
	if err != nil {
		return err
	}
	return tr.RestrictAndAdd(dst, src)
}

// EnableInPlaceOperationsIfPossible hands every pair transfer the
// caller's per-level layouts, one per level. It reports whether every
// transfer now works in place. Collective.
func (h *Hierarchy) EnableInPlaceOperationsIfPossible(parts []*partitions.Partitioner) (bool, error) {
	if h.transfers == nil {
		return false, errors.New("hierarchy is cleared")
	}
	if len(parts) != len(h.spaces) {
		return false, errors.Errorf("got %d layouts for %d levels", len(parts), len(h.spaces))
	}
	all := true
	for i, tr := range h.transfers {
		ok, err := tr.EnableInPlaceOperationsIfPossible(parts[i], parts[i+1])
		if err != nil {
			return false, errors.Wrapf(err, "level pair %d-%d", i, i+1)
		}
		all = all && ok
	}
	return all, nil
}

// Clear drops the transfers and the copy reconciliation. The hierarchy
// is unusable afterwards until rebuilt.
func (h *Hierarchy) Clear() {
	h.spaces = nil
	h.transfers = nil
	h.perm = nil
	h.copyMode = copyPlain
}

// MemoryConsumption sums the byte footprint of the pair transfers and
// the copy permutation.
func (h *Hierarchy) MemoryConsumption() int64 {
	var n int64
	for _, tr := range h.transfers {
		n += tr.MemoryConsumption()
	}
	return n + int64(len(h.perm))*8
}

// CoarsenedMeshSequence globally coarsens a mesh until every active
// cell sits on the root level, returning the chain ordered coarse to
// fine with the input last. The chain is the global-coarsening
// hierarchy input.
func CoarsenedMeshSequence(m *mesh.Mesh) ([]*mesh.Mesh, error) {
	chain := []*mesh.Mesh{m}
	for !chain[0].IsSingleLevel() {
		coarser, err := chain[0].GlobalCoarsen()
		if err != nil {
			return nil, err
		}
		chain = append([]*mesh.Mesh{coarser}, chain...)
	}
	return chain, nil
}
