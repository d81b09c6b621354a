package transfer

import (
	"context"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/dofs"
)

// AdditionalData tunes transfer construction. The zero value keeps
// every fast path enabled and matching strict.
type AdditionalData struct {
	// DisableFastHangingNodes forces the general constraint expansion
	// even when the coarse space qualifies for the swapped-master
	// gather.
	DisableFastHangingNodes bool
	// TolerateUnmatchedPoints lets a non-nested setup drop fine support
	// points outside the coarse mesh instead of failing.
	TolerateUnmatchedPoints bool
}

// Reinit builds the transfer between two spaces. An explicit level on
// either side selects the polynomial builder, since level spaces only
// change degree or partitioning. Otherwise a probe over the owned
// coarse cells decides: when every rank finds all of them active on
// the fine mesh the pair differs by degree at most, and when any rank
// misses one the fine mesh refines them. Collective.
func Reinit(ctx context.Context, coarse, fine *dofs.Handler,
	coarseConstraints, fineConstraints *dofs.Constraints, data AdditionalData) (*TwoLevel, error) {
	if coarse.Level() != dofs.ActiveLevel || fine.Level() != dofs.ActiveLevel {
		return NewPolynomialTransfer(ctx, coarse, fine, coarseConstraints, fineConstraints, data)
	}
	verdict := int64(1)
	fm := fine.Mesh()
	for _, c := range coarse.OwnedCells() {
		if !fm.IsActive(c) {
			verdict = 0
			break
		}
	}
	if coarse.Comm().AllreduceInt64(verdict, comm.OpMin) == 1 {
		return NewPolynomialTransfer(ctx, coarse, fine, coarseConstraints, fineConstraints, data)
	}
	return NewGeometricTransfer(ctx, coarse, fine, coarseConstraints, fineConstraints, data)
}

// FirstChildPolicyHolds reports whether the fine forest's ownership
// already follows the coarse side: every owned coarse cell is either
// active on the fine mesh under the same owner, or refined there with
// its first child under the same owner. When it holds, a geometric
// transfer resolves every counterpart locally. Collective.
func FirstChildPolicyHolds(coarse, fine *dofs.Handler) bool {
	c := coarse.Comm()
	fm := fine.Mesh()
	rank := c.Rank()
	holds := true
	for _, id := range coarse.OwnedCells() {
		switch {
		case fm.IsActive(id):
			holds = fm.Owner(id) == rank
		case fm.IsRefined(id):
			holds = fm.Owner(fm.Child(id, 0)) == rank
		default:
			holds = false
		}
		if !holds {
			break
		}
	}
	return c.AllreduceAnd(holds)
}

// PRepartitioningRequired reports whether a polynomial pair moves data
// between layouts, true when the sides live on different forests or
// levels.
func PRepartitioningRequired(coarse, fine *dofs.Handler) bool {
	return coarse.Mesh() != fine.Mesh() || coarse.Level() != fine.Level()
}
