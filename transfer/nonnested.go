package transfer

import (
	"context"
	"sort"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/element"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
)

// PhaseHooks receives notifications around the non-nested operations
// and their cell loops, begin true before the phase and false after.
// Nil members stay silent.
type PhaseHooks struct {
	Prolongation         func(begin bool)
	ProlongationCellLoop func(begin bool)
	Restriction          func(begin bool)
	RestrictionCellLoop  func(begin bool)
}

func signalPhase(f func(bool), begin bool) {
	if f != nil {
		f(begin)
	}
}

// nonNestedPoint ties one owned fine support point to one coarse cell
// holding it: reference coordinates there, the fine slot of its first
// component, and the share of the point this cell carries.
type nonNestedPoint struct {
	ref    [3]float64
	weight float64
	slot   int32
}

// nonNestedGroup collects the points landing in one coarse cell.
type nonNestedGroup struct {
	fe    int
	slots []int32
	pts   []nonNestedPoint
}

// NonNested transfers between spaces on geometrically unrelated
// forests through point evaluation: prolongation evaluates the coarse
// field at the fine support points, restriction integrates point
// values back with the adjoint weights. Points held by several coarse
// cells average their contributions. At most one operation may be in
// flight per transfer.
type NonNested struct {
	c          *comm.Comm
	groups     []nonNestedGroup
	elems      []*element.Element
	renums     [][]int
	coarsePart *partitions.Partitioner
	finePart   *partitions.Partitioner
	vecCoarse  *partitions.Vector
	vecFine    *partitions.Vector
	components int
	hooks      PhaseHooks

	axis [3][]float64
	row  []float64
	acc  []float64
}

// NewNonNestedTransfer builds the point-evaluation transfer between
// two active spaces whose forests need not nest. Every locally owned
// unconstrained fine DoF contributes one support point; each point is
// located on the coarse mesh, collecting all cells whose closure holds
// it. Unlocatable points fail the setup unless tolerated. Collective.
func NewNonNestedTransfer(ctx context.Context, coarse, fine *dofs.Handler,
	coarseConstraints, fineConstraints *dofs.Constraints, data AdditionalData) (*NonNested, error) {
	if coarse.Comm() != fine.Comm() {
		return nil, errors.New("transfer spaces live on different communicators")
	}
	if coarse.Level() != dofs.ActiveLevel || fine.Level() != dofs.ActiveLevel {
		return nil, errors.New("non-nested transfer works on active spaces")
	}
	if coarse.Components() != fine.Components() {
		return nil, errors.New("transfer spaces must agree on components")
	}
	cm, fm := coarse.Mesh(), fine.Mesh()
	if cm.Dim != fm.Dim {
		return nil, errors.Errorf("mesh dimensions differ: %d vs %d", cm.Dim, fm.Dim)
	}

	c := coarse.Comm()
	comps := coarse.Components()
	begin, end := fine.OwnedRange()
	hasCons := fineConstraints != nil && fineConstraints.NLines() > 0

	type pending struct {
		g      int64
		ref    [3]float64
		weight float64
	}
	byCell := map[mesh.CellID][]pending{}
	seen := map[int64]struct{}{}
	var nPoints int
	var unmatched int64
	for _, cell := range fine.OwnedCells() {
		fe, _ := fine.FEIndex(cell)
		e := fine.Element(fe)
		list, _ := fine.CellDoFs(cell)
		renum := e.TransferRenumbering()
		ns := e.NDoFsPerCellScalar()
		lower, upper := fm.BoundingBox(cell)
		for lex := 0; lex < ns; lex++ {
			g := list[renum[lex]]
			if g < begin || g >= end {
				continue
			}
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			if hasCons && fineConstraints.IsConstrained(g) {
				continue
			}
			sp := e.SupportPoint(lex)
			var pt [3]float64
			for d := 0; d < fm.Dim; d++ {
				pt[d] = lower[d] + sp[d]*(upper[d]-lower[d])
			}
			holders := locateAllCells(cm, pt)
			if len(holders) == 0 {
				unmatched++
				continue
			}
			nPoints++
			w := 1.0 / float64(len(holders))
			for _, hc := range holders {
				byCell[hc] = append(byCell[hc], pending{g: g, ref: cm.RefCoords(hc, pt), weight: w})
			}
		}
	}
	if totalUnmatched := c.AllreduceInt64(unmatched, comm.OpSum); totalUnmatched > 0 && !data.TolerateUnmatchedPoints {
		return nil, errors.Errorf("%d fine support points found no coarse cell", totalUnmatched)
	}

	neededCells := make([]mesh.CellID, 0, len(byCell))
	for id := range byCell {
		neededCells = append(neededCells, id)
	}
	sort.Slice(neededCells, func(i, j int) bool {
		return cm.DenseCellKey(neededCells[i]) < cm.DenseCellKey(neededCells[j])
	})

	view, err := newFineCellView(coarse, neededCells, cm != fm)
	if err != nil {
		return nil, err
	}
	coarsePart, err := coarse.NewPartitioner(view.RemoteDoFs(coarse.NDoFs()))
	if err != nil {
		return nil, err
	}
	finePart, err := fine.NewPartitioner(nil)
	if err != nil {
		return nil, err
	}

	t := &NonNested{
		c:          c,
		coarsePart: coarsePart,
		finePart:   finePart,
		components: comps,
	}
	t.vecCoarse = partitions.NewVector(coarsePart)
	t.vecFine = partitions.NewVector(finePart)
	t.elems = make([]*element.Element, coarse.NumElements())
	t.renums = make([][]int, coarse.NumElements())
	maxN1, maxNS, maxSlots := 0, 0, 0
	for fe := range t.elems {
		e := coarse.Element(fe)
		t.elems[fe] = e
		t.renums[fe] = e.TransferRenumbering()
		if n := e.Degree + 1; n > maxN1 {
			maxN1 = n
		}
		if n := e.NDoFsPerCellScalar(); n > maxNS {
			maxNS = n
		}
		if n := e.NDoFsPerCell(); n > maxSlots {
			maxSlots = n
		}
	}
	for d := 0; d < 3; d++ {
		t.axis[d] = make([]float64, maxN1)
	}
	t.row = make([]float64, maxNS)
	t.acc = make([]float64, maxSlots)

	nRemote := 0
	for _, id := range neededCells {
		pts := byCell[id]
		sort.Slice(pts, func(i, j int) bool { return pts[i].g < pts[j].g })
		list, fe, errV := view.CellDoFs(id)
		if errV != nil {
			return nil, errV
		}
		slots, errL := localize(coarsePart, list)
		if errL != nil {
			return nil, errL
		}
		grp := nonNestedGroup{fe: fe, slots: slots, pts: make([]nonNestedPoint, len(pts))}
		for i, p := range pts {
			local, ok := finePart.GlobalToLocal(p.g)
			if !ok {
				return nil, errors.Errorf("dof %d is neither owned nor ghosted", p.g)
			}
			grp.pts[i] = nonNestedPoint{ref: p.ref, weight: p.weight, slot: int32(local)}
		}
		if _, retained := coarse.CellDoFs(id); !retained {
			nRemote++
		}
		t.groups = append(t.groups, grp)
	}

	logger.Get(ctx).Debug("non-nested transfer ready",
		zap.Int("points", nPoints),
		zap.Int("coarseCells", len(t.groups)),
		zap.Int("remoteCells", nRemote),
		zap.Int64("unmatched", unmatched),
		zap.Int64("coarseDoFs", coarse.NDoFs()),
		zap.Int64("fineDoFs", fine.NDoFs()))
	return t, nil
}

// locateAllCells collects every active cell whose closed box holds the
// point, so points on shared faces report all their holders.
func locateAllCells(m *mesh.Mesh, pt [3]float64) []mesh.CellID {
	const eps = 1e-12
	for d := 0; d < m.Dim; d++ {
		if pt[d] < -eps || pt[d] > 1+eps {
			return nil
		}
	}
	var out []mesh.CellID
	var descend func(c mesh.CellID)
	descend = func(c mesh.CellID) {
		lower, upper := m.BoundingBox(c)
		for d := 0; d < m.Dim; d++ {
			if pt[d] < lower[d]-eps || pt[d] > upper[d]+eps {
				return
			}
		}
		if m.IsActive(c) {
			out = append(out, c)
			return
		}
		for o := 0; o < m.NChildren(); o++ {
			descend(m.Child(c, o))
		}
	}
	e := m.Extent(0)
	var coords [3]int64
	var roots func(d int)
	roots = func(d int) {
		if d == m.Dim {
			c := m.CellAt(0, coords)
			if m.Exists(c) {
				descend(c)
			}
			return
		}
		lo := int64((pt[d] - eps) * float64(e[d]))
		hi := int64((pt[d] + eps) * float64(e[d]))
		if lo < 0 {
			lo = 0
		}
		if hi >= e[d] {
			hi = e[d] - 1
		}
		for i := lo; i <= hi; i++ {
			coords[d] = i
			roots(d + 1)
		}
	}
	roots(0)
	sort.Slice(out, func(i, j int) bool { return m.DenseCellKey(out[i]) < m.DenseCellKey(out[j]) })
	return out
}

// evalBasisRow writes the value of every scalar lexicographic basis
// function at one reference point.
func (t *NonNested) evalBasisRow(e *element.Element, ref [3]float64) []float64 {
	n1 := e.Degree + 1
	for d := 0; d < e.Dim; d++ {
		e.Basis.EvalAll(ref[d], t.axis[d][:n1])
	}
	ns := e.NDoFsPerCellScalar()
	row := t.row[:ns]
	for lex := 0; lex < ns; lex++ {
		v, rem := 1.0, lex
		for d := 0; d < e.Dim; d++ {
			v *= t.axis[d][rem%n1]
			rem /= n1
		}
		row[lex] = v
	}
	return row
}

// ConnectPhaseHooks installs the phase notifications. Not safe while
// an operation is in flight.
func (t *NonNested) ConnectPhaseHooks(h PhaseHooks) { t.hooks = h }

// CoarsePartitioner returns the layout coarse vectors should use.
func (t *NonNested) CoarsePartitioner() *partitions.Partitioner { return t.coarsePart }

// FinePartitioner returns the layout fine vectors should use.
func (t *NonNested) FinePartitioner() *partitions.Partitioner { return t.finePart }

// NewCoarseVector allocates a zero vector on the coarse layout.
func (t *NonNested) NewCoarseVector() *partitions.Vector { return partitions.NewVector(t.coarsePart) }

// NewFineVector allocates a zero vector on the fine layout.
func (t *NonNested) NewFineVector() *partitions.Vector { return partitions.NewVector(t.finePart) }

func (t *NonNested) route(v *partitions.Vector, own *partitions.Partitioner,
	scratch *partitions.Vector, loadOwned bool) (*partitions.Vector, bool, error) {
	if v.Partitioner() == own {
		return v, true, nil
	}
	if loadOwned {
		if err := scratch.CopyOwnedFrom(v); err != nil {
			return nil, false, err
		}
		scratch.SetGhostState(partitions.GhostsInvalid)
	}
	return scratch, false, nil
}

// Prolongate overwrites the fine vector with the averaged point
// evaluation of the coarse one. Collective.
func (t *NonNested) Prolongate(dst, src *partitions.Vector) error {
	return t.prolongate(dst, src, false)
}

// ProlongateAndAdd accumulates the averaged point evaluation of the
// coarse vector into the fine one. Collective.
func (t *NonNested) ProlongateAndAdd(dst, src *partitions.Vector) error {
	return t.prolongate(dst, src, true)
}

func (t *NonNested) prolongate(dst, src *partitions.Vector, add bool) error {
	signalPhase(t.hooks.Prolongation, true)
	defer signalPhase(t.hooks.Prolongation, false)

	srcV, _, err := t.route(src, t.coarsePart, t.vecCoarse, true)
	if err != nil {
		return err
	}
	if err := updateGhostsIfStale(t.c, srcV, channelCoarse); err != nil {
		return err
	}
	dstV, dstDirect, err := t.route(dst, t.finePart, t.vecFine, false)
	if err != nil {
		return err
	}
	if !add || !dstDirect {
		dstV.Zero()
	}

	signalPhase(t.hooks.ProlongationCellLoop, true)
	in := srcV.Data()
	out := dstV.Data()
	comps := t.components
	for _, grp := range t.groups {
		e := t.elems[grp.fe]
		renum := t.renums[grp.fe]
		ns := e.NDoFsPerCellScalar()
		for _, pt := range grp.pts {
			row := t.evalBasisRow(e, pt.ref)
			for comp := 0; comp < comps; comp++ {
				acc := 0.0
				for lex := 0; lex < ns; lex++ {
					acc += row[lex] * in[grp.slots[renum[comp*ns+lex]]]
				}
				out[int(pt.slot)+comp] += pt.weight * acc
			}
		}
	}
	signalPhase(t.hooks.ProlongationCellLoop, false)

	if !dstDirect {
		return mergeOwned(dst, dstV, add)
	}
	dstV.SetGhostState(partitions.GhostsInvalid)
	return nil
}

// RestrictAndAdd accumulates the adjoint point integration of the fine
// vector into the coarse one. Collective.
func (t *NonNested) RestrictAndAdd(dst, src *partitions.Vector) error {
	signalPhase(t.hooks.Restriction, true)
	defer signalPhase(t.hooks.Restriction, false)

	srcV, _, err := t.route(src, t.finePart, t.vecFine, true)
	if err != nil {
		return err
	}
	dstV, dstDirect, err := t.route(dst, t.coarsePart, t.vecCoarse, false)
	if err != nil {
		return err
	}
	if dstDirect {
		dstV.ZeroOutGhosts()
	} else {
		dstV.Zero()
	}

	signalPhase(t.hooks.RestrictionCellLoop, true)
	in := srcV.Data()
	out := dstV.Data()
	comps := t.components
	for _, grp := range t.groups {
		e := t.elems[grp.fe]
		renum := t.renums[grp.fe]
		ns := e.NDoFsPerCellScalar()
		acc := t.acc[:len(grp.slots)]
		for i := range acc {
			acc[i] = 0
		}
		for _, pt := range grp.pts {
			row := t.evalBasisRow(e, pt.ref)
			for comp := 0; comp < comps; comp++ {
				v := pt.weight * in[int(pt.slot)+comp]
				if v == 0 {
					continue
				}
				for lex := 0; lex < ns; lex++ {
					acc[renum[comp*ns+lex]] += row[lex] * v
				}
			}
		}
		for i, slot := range grp.slots {
			out[slot] += acc[i]
		}
	}
	signalPhase(t.hooks.RestrictionCellLoop, false)

	if err := dstV.CompressAdd(channelCoarse); err != nil {
		return err
	}
	if !dstDirect {
		return mergeOwned(dst, dstV, true)
	}
	return nil
}

// Interpolate is not defined between unrelated forests.
func (t *NonNested) Interpolate(dst, src *partitions.Vector) error {
	return errors.New("interpolation is not defined for non-nested transfers")
}

// MemoryConsumption returns the byte footprint of the point groups and
// the scratch vectors.
func (t *NonNested) MemoryConsumption() int64 {
	var n int64
	for _, grp := range t.groups {
		n += int64(len(grp.slots))*4 + int64(len(grp.pts))*int64(3*8+8+4)
	}
	n += int64(len(t.vecCoarse.Data())+len(t.vecFine.Data())) * 8
	return n
}
