package transfer

import (
	"context"
	"sort"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/mesh"
)

// NewPolynomialTransfer builds the two-level transfer between two
// spaces over the same cells, lowering the element per cell. One
// scheme covers each element pair the owned cells exhibit. When the
// fine space was redistributed, counterparts are fetched through the
// cell directory, the permutation case. Collective.
func NewPolynomialTransfer(ctx context.Context, coarse, fine *dofs.Handler,
	coarseConstraints, fineConstraints *dofs.Constraints, data AdditionalData) (*TwoLevel, error) {
	if coarse.Comm() != fine.Comm() {
		return nil, errors.New("transfer spaces live on different communicators")
	}
	if coarse.Level() != fine.Level() {
		return nil, errors.New("polynomial transfer works within one level")
	}
	if coarse.Components() != fine.Components() {
		return nil, errors.New("transfer spaces must agree on components")
	}
	if coarse.Mesh() != fine.Mesh() &&
		(coarse.Mesh().Dim != fine.Mesh().Dim || coarse.Mesh().DenseKeyBound() != fine.Mesh().DenseKeyBound()) {
		return nil, errors.New("polynomial transfer needs the same cells on both sides")
	}

	owned := coarse.OwnedCells()
	var needed []mesh.CellID
	for _, c := range owned {
		if _, ok := fine.CellDoFs(c); !ok {
			needed = append(needed, c)
		}
	}
	view, err := newFineCellView(fine, needed, false)
	if err != nil {
		return nil, err
	}

	groups := map[[2]int][]mesh.CellID{}
	for _, c := range owned {
		feC, _ := coarse.FEIndex(c)
		_, feF, errV := view.CellDoFs(c)
		if errV != nil {
			return nil, errV
		}
		groups[[2]int{feC, feF}] = append(groups[[2]int{feC, feF}], c)
	}
	keys := make([][2]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	schemes := make([]*Scheme, 0, len(keys))
	cellsPer := make([][]mesh.CellID, 0, len(keys))
	for _, key := range keys {
		s, errS := newPolynomialScheme(coarse.Element(key[0]), fine.Element(key[1]), key[0], key[1])
		if errS != nil {
			return nil, errS
		}
		s.NCells = len(groups[key])
		schemes = append(schemes, s)
		cellsPer = append(cellsPer, groups[key])
	}

	coarsePart, err := coarse.NewPartitioner(nil)
	if err != nil {
		return nil, err
	}
	finePart, err := fine.NewPartitioner(view.RemoteDoFs(fine.NDoFs()))
	if err != nil {
		return nil, err
	}

	globalsC := make([][]int64, len(schemes))
	for i, s := range schemes {
		renumC := coarse.Element(s.CoarseFE).TransferRenumbering()
		g, errG := gatherCellGlobals(coarse, cellsPer[i], renumC)
		if errG != nil {
			return nil, errG
		}
		globalsC[i] = g
		if s.CoarseIndices, errG = localize(coarsePart, g); errG != nil {
			return nil, errG
		}

		renumF := fine.Element(s.FineFE).TransferRenumbering()
		gf := make([]int64, 0, s.NCells*len(renumF))
		for _, c := range cellsPer[i] {
			list, _, errV := view.CellDoFs(c)
			if errV != nil {
				return nil, errV
			}
			for _, slot := range renumF {
				gf = append(gf, list[slot])
			}
		}
		if s.FineIndices, errG = localize(finePart, gf); errG != nil {
			return nil, errG
		}
	}

	cons, err := buildCoarseGather(coarse, coarsePart, coarseConstraints, data.DisableFastHangingNodes,
		schemes, cellsPer, globalsC)
	if err != nil {
		return nil, err
	}

	fineContinuous := fine.NumElements() == 1 && fine.Element(0).Continuous
	if fineContinuous {
		if err := computeInverseValenceWeights(schemes, finePart, fineConstraints, channelFine); err != nil {
			return nil, err
		}
	}

	tl := newTwoLevel(coarse.Comm(), schemes, cons, coarsePart, finePart, coarse.Components(), fineContinuous, view.Kind())
	logger.Get(ctx).Debug("polynomial transfer ready",
		zap.Int("schemes", len(schemes)),
		zap.Stringer("view", view.Kind()),
		zap.Int64("coarseDoFs", coarse.NDoFs()),
		zap.Int64("fineDoFs", fine.NDoFs()))
	return tl, nil
}
