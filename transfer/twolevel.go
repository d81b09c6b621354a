package transfer

import (
	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/partitions"
)

// Vector exchange channels of one transfer, so the coarse and fine
// rounds of an operation never share a tag stream.
const (
	channelCoarse = 0
	channelFine   = 1
)

// TwoLevel moves vectors between one coarse and one fine space:
// weighted prolongation, its exact transpose for restriction, and
// plain injection. Operations run on the transfer's own scratch
// vectors unless the caller's vectors live on the transfer layouts or
// on layouts registered through EnableInPlaceOperationsIfPossible. At
// most one operation may be in flight per transfer.
type TwoLevel struct {
	c       *comm.Comm
	schemes []*Scheme
	cons    []*ConstraintInfo

	coarsePart *partitions.Partitioner
	finePart   *partitions.Partitioner
	coarseHost *partitions.Partitioner
	fineHost   *partitions.Partitioner
	vecCoarse  *partitions.Vector
	vecFine    *partitions.Vector

	components         int
	fineContinuous     bool
	viewKind           ViewKind
	fineGhostsAnywhere bool

	scratch [2][]float64
	bufC    []float64
	bufF    []float64
}

func newTwoLevel(c *comm.Comm, schemes []*Scheme, cons []*ConstraintInfo,
	coarsePart, finePart *partitions.Partitioner, components int, fineContinuous bool, kind ViewKind) *TwoLevel {
	t := &TwoLevel{
		c:              c,
		schemes:        schemes,
		cons:           cons,
		coarsePart:     coarsePart,
		finePart:       finePart,
		components:     components,
		fineContinuous: fineContinuous,
		viewKind:       kind,
	}
	t.vecCoarse = partitions.NewVector(coarsePart)
	t.vecFine = partitions.NewVector(finePart)
	t.fineGhostsAnywhere = c.AllreduceOr(finePart.NGhosts() > 0)
	var maxS, maxC, maxF int
	for _, s := range schemes {
		if n := s.scratchLen(); n > maxS {
			maxS = n
		}
		if n := s.blockLen(false); n > maxC {
			maxC = n
		}
		if n := s.blockLen(true); n > maxF {
			maxF = n
		}
	}
	t.scratch[0] = make([]float64, maxS)
	t.scratch[1] = make([]float64, maxS)
	t.bufC = make([]float64, maxC)
	t.bufF = make([]float64, maxF)
	return t
}

// CoarsePartitioner returns the layout coarse vectors should use.
func (t *TwoLevel) CoarsePartitioner() *partitions.Partitioner { return t.coarsePart }

// FinePartitioner returns the layout fine vectors should use.
func (t *TwoLevel) FinePartitioner() *partitions.Partitioner { return t.finePart }

// NewCoarseVector allocates a zero vector on the coarse layout.
func (t *TwoLevel) NewCoarseVector() *partitions.Vector { return partitions.NewVector(t.coarsePart) }

// NewFineVector allocates a zero vector on the fine layout.
func (t *TwoLevel) NewFineVector() *partitions.Vector { return partitions.NewVector(t.finePart) }

// Kind reports the counterpart view variant the setup resolved.
func (t *TwoLevel) Kind() ViewKind { return t.viewKind }

// Schemes exposes the per-category transfer schemes, the staging input
// for offloading the block apply.
func (t *TwoLevel) Schemes() []*Scheme { return t.schemes }

// EnableInPlaceOperationsIfPossible lets operations run directly on
// vectors laid out by the given external partitioners when the
// transfer's ghost sets are contained in them: every stored slot is
// re-expressed in the external numbering once, and the ghost rounds
// shrink to embedded exchanges over the external storage. Each side
// enables independently; the return value reports whether both did.
// Collective.
func (t *TwoLevel) EnableInPlaceOperationsIfPossible(extCoarse, extFine *partitions.Partitioner) (bool, error) {
	okC := extCoarse != nil && t.coarsePart.IsContainedWithin(extCoarse)
	if okC {
		if err := t.rebaseCoarse(extCoarse); err != nil {
			return false, err
		}
	}
	okF := extFine != nil && t.finePart.IsContainedWithin(extFine)
	if okF {
		if err := t.rebaseFine(extFine); err != nil {
			return false, err
		}
	}
	return okC && okF, nil
}

func (t *TwoLevel) rebaseCoarse(host *partitions.Partitioner) error {
	embedded, err := t.coarsePart.NewEmbeddedPartitioner(host)
	if err != nil {
		return err
	}
	for i, s := range t.schemes {
		if err := translateSlots(t.coarsePart, embedded, s.CoarseIndices); err != nil {
			return err
		}
		ci := t.cons[i]
		switch ci.mode {
		case gatherGeneral:
			if err := translateSlots(t.coarsePart, embedded, ci.rowSlot); err != nil {
				return err
			}
		case gatherFast:
			if err := translateSlots(t.coarsePart, embedded, ci.slots); err != nil {
				return err
			}
		}
	}
	t.coarsePart = embedded
	t.coarseHost = host
	t.vecCoarse = partitions.NewVector(embedded)
	return nil
}

func (t *TwoLevel) rebaseFine(host *partitions.Partitioner) error {
	embedded, err := t.finePart.NewEmbeddedPartitioner(host)
	if err != nil {
		return err
	}
	for _, s := range t.schemes {
		if err := translateSlots(t.finePart, embedded, s.FineIndices); err != nil {
			return err
		}
	}
	t.finePart = embedded
	t.fineHost = host
	t.vecFine = partitions.NewVector(embedded)
	return nil
}

// translateSlots rewrites local slots from one layout into another
// covering the same indices.
func translateSlots(from, to *partitions.Partitioner, slots []int32) error {
	for i, slot := range slots {
		g, err := from.LocalToGlobal(int64(slot))
		if err != nil {
			return err
		}
		local, ok := to.GlobalToLocal(g)
		if !ok {
			return errors.Errorf("dof %d has no slot in the in-place layout", g)
		}
		slots[i] = int32(local)
	}
	return nil
}

// workingVector routes a caller vector to the storage an operation
// uses: the vector itself on the transfer layout, a wrapper over its
// storage on a registered in-place layout, or the scratch vector with
// the owned section copied in when loadOwned is set. direct reports
// whether results land in the caller's storage.
func (t *TwoLevel) workingVector(v *partitions.Vector, own, host *partitions.Partitioner,
	scratch *partitions.Vector, loadOwned bool) (work *partitions.Vector, direct bool, err error) {
	switch {
	case v.Partitioner() == own:
		return v, true, nil
	case host != nil && v.Partitioner() == host:
		work, err = partitions.NewVectorOn(own, v.Data(), v.GhostState())
		return work, true, err
	default:
		if loadOwned {
			if err := scratch.CopyOwnedFrom(v); err != nil {
				return nil, false, err
			}
			scratch.SetGhostState(partitions.GhostsInvalid)
		}
		return scratch, false, nil
	}
}

// updateGhostsIfStale runs a ghost update unless every rank still has
// current ghosts on the vector.
func updateGhostsIfStale(c *comm.Comm, v *partitions.Vector, channel int) error {
	if c.AllreduceAnd(v.GhostState() == partitions.GhostsCurrent) {
		return nil
	}
	return v.UpdateGhosts(channel)
}

// fineGatherLane reads one lane of the fine block through the scheme's
// fine slots.
func fineGatherLane(s *Scheme, cell, lane int, vec, buf []float64) {
	n := s.NDoFsFine * s.Components
	base := cell * n
	for r := 0; r < n; r++ {
		buf[r*laneWidth+lane] = vec[s.FineIndices[base+r]]
	}
}

// fineScatterAddLane accumulates one lane of the fine block through
// the scheme's fine slots.
func fineScatterAddLane(s *Scheme, cell, lane int, buf, vec []float64) {
	n := s.NDoFsFine * s.Components
	base := cell * n
	for r := 0; r < n; r++ {
		vec[s.FineIndices[base+r]] += buf[r*laneWidth+lane]
	}
}

// coarseWriteLane writes one lane of the coarse block through the
// scheme's own slots, last-writer semantics.
func coarseWriteLane(s *Scheme, cell, lane int, buf, vec []float64) {
	n := s.NDoFsCoarse * s.Components
	base := cell * n
	for r := 0; r < n; r++ {
		vec[s.CoarseIndices[base+r]] = buf[r*laneWidth+lane]
	}
}

// applyWeightsLane scales one lane of the fine block by the cell's
// stored weights.
func applyWeightsLane(s *Scheme, cell, lane int, buf []float64) {
	for comp := 0; comp < s.Components; comp++ {
		off := comp * s.NDoFsFine
		for lex := 0; lex < s.NDoFsFine; lex++ {
			buf[(off+lex)*laneWidth+lane] *= s.weightAt(cell, lex)
		}
	}
}

func (t *TwoLevel) runProlongation(src, dst *partitions.Vector) {
	in := src.Data()
	out := dst.Data()
	var lanes [laneWidth]int
	for si, s := range t.schemes {
		ci := t.cons[si]
		bufC := t.bufC[:s.blockLen(false)]
		bufF := t.bufF[:s.blockLen(true)]
		for base := 0; base < s.NCells; base += laneWidth {
			width := min(laneWidth, s.NCells-base)
			cells := lanes[:width]
			for l := 0; l < width; l++ {
				cells[l] = base + l
				ci.GatherLane(s, base+l, l, in, bufC)
			}
			ci.ApplyFaceTransforms(s, cells, bufC)
			s.prolongateBlock(bufC, bufF, t.scratch)
			if s.HasWeights() {
				for l := 0; l < width; l++ {
					applyWeightsLane(s, base+l, l, bufF)
				}
			}
			for l := 0; l < width; l++ {
				fineScatterAddLane(s, base+l, l, bufF, out)
			}
		}
	}
}

func (t *TwoLevel) runRestriction(src, dst *partitions.Vector) {
	in := src.Data()
	out := dst.Data()
	var lanes [laneWidth]int
	for si, s := range t.schemes {
		ci := t.cons[si]
		bufC := t.bufC[:s.blockLen(false)]
		bufF := t.bufF[:s.blockLen(true)]
		for base := 0; base < s.NCells; base += laneWidth {
			width := min(laneWidth, s.NCells-base)
			cells := lanes[:width]
			for l := 0; l < width; l++ {
				cells[l] = base + l
				fineGatherLane(s, base+l, l, in, bufF)
			}
			if s.HasWeights() {
				for l := 0; l < width; l++ {
					applyWeightsLane(s, base+l, l, bufF)
				}
			}
			s.restrictBlock(bufF, bufC, t.scratch)
			ci.ApplyFaceTransformsT(s, cells, bufC)
			for l := 0; l < width; l++ {
				ci.ScatterAddLane(s, base+l, l, bufC, out)
			}
		}
	}
}

func (t *TwoLevel) runInterpolation(src, dst *partitions.Vector) {
	in := src.Data()
	out := dst.Data()
	for _, s := range t.schemes {
		bufC := t.bufC[:s.blockLen(false)]
		bufF := t.bufF[:s.blockLen(true)]
		for base := 0; base < s.NCells; base += laneWidth {
			width := min(laneWidth, s.NCells-base)
			for l := 0; l < width; l++ {
				fineGatherLane(s, base+l, l, in, bufF)
			}
			s.injectBlock(bufF, bufC, t.scratch)
			for l := 0; l < width; l++ {
				coarseWriteLane(s, base+l, l, bufC, out)
			}
		}
	}
}

// Prolongate overwrites the fine vector with the weighted prolongation
// of the coarse one. Collective.
func (t *TwoLevel) Prolongate(dst, src *partitions.Vector) error {
	return t.prolongate(dst, src, false)
}

// ProlongateAndAdd accumulates the weighted prolongation of the coarse
// vector into the fine one. Collective.
func (t *TwoLevel) ProlongateAndAdd(dst, src *partitions.Vector) error {
	return t.prolongate(dst, src, true)
}

func (t *TwoLevel) prolongate(dst, src *partitions.Vector, add bool) error {
	srcV, srcDirect, err := t.workingVector(src, t.coarsePart, t.coarseHost, t.vecCoarse, true)
	if err != nil {
		return err
	}
	if err := updateGhostsIfStale(t.c, srcV, channelCoarse); err != nil {
		return err
	}
	if srcDirect && srcV != src {
		src.SetGhostState(srcV.GhostState())
	}

	dstV, dstDirect, err := t.workingVector(dst, t.finePart, t.fineHost, t.vecFine, false)
	if err != nil {
		return err
	}
	if dstDirect && add {
		dstV.ZeroOutGhosts()
	} else {
		dstV.Zero()
	}

	t.runProlongation(srcV, dstV)
	if t.fineGhostsAnywhere {
		if err := dstV.CompressAdd(channelFine); err != nil {
			return err
		}
	} else {
		dstV.ZeroOutGhosts()
	}
	if !dstDirect {
		return mergeOwned(dst, dstV, add)
	}
	if dstV != dst {
		dst.SetGhostState(dstV.GhostState())
	}
	return nil
}

// RestrictAndAdd accumulates the transpose of the weighted
// prolongation of the fine vector into the coarse one. Collective.
func (t *TwoLevel) RestrictAndAdd(dst, src *partitions.Vector) error {
	srcV, srcDirect, err := t.workingVector(src, t.finePart, t.fineHost, t.vecFine, true)
	if err != nil {
		return err
	}
	if err := updateGhostsIfStale(t.c, srcV, channelFine); err != nil {
		return err
	}
	if srcDirect && srcV != src {
		src.SetGhostState(srcV.GhostState())
	}

	dstV, dstDirect, err := t.workingVector(dst, t.coarsePart, t.coarseHost, t.vecCoarse, false)
	if err != nil {
		return err
	}
	if dstDirect {
		dstV.ZeroOutGhosts()
	} else {
		dstV.Zero()
	}

	t.runRestriction(srcV, dstV)
	if err := dstV.CompressAdd(channelCoarse); err != nil {
		return err
	}
	if !dstDirect {
		return mergeOwned(dst, dstV, true)
	}
	if dstV != dst {
		dst.SetGhostState(dstV.GhostState())
	}
	return nil
}

// Interpolate overwrites the coarse vector with the node injection of
// the fine one. Collective.
func (t *TwoLevel) Interpolate(dst, src *partitions.Vector) error {
	srcV, srcDirect, err := t.workingVector(src, t.finePart, t.fineHost, t.vecFine, true)
	if err != nil {
		return err
	}
	if err := updateGhostsIfStale(t.c, srcV, channelFine); err != nil {
		return err
	}
	if srcDirect && srcV != src {
		src.SetGhostState(srcV.GhostState())
	}

	dstV, dstDirect, err := t.workingVector(dst, t.coarsePart, t.coarseHost, t.vecCoarse, false)
	if err != nil {
		return err
	}
	dstV.Zero()
	t.runInterpolation(srcV, dstV)
	dstV.ZeroOutGhosts()
	if !dstDirect {
		return mergeOwned(dst, dstV, false)
	}
	if dstV != dst {
		dst.SetGhostState(dstV.GhostState())
	}
	return nil
}

// mergeOwned folds an internal result back into the caller's vector.
func mergeOwned(dst, scratch *partitions.Vector, add bool) error {
	own, scr := dst.Owned(), scratch.Owned()
	if len(own) != len(scr) {
		return errors.Errorf("vector has %d owned entries, the transfer side has %d", len(own), len(scr))
	}
	if add {
		for i := range own {
			own[i] += scr[i]
		}
	} else {
		copy(own, scr)
	}
	dst.SetGhostState(partitions.GhostsInvalid)
	return nil
}

// MemoryConsumption returns the byte footprint of schemes, gather data
// and the scratch vectors.
func (t *TwoLevel) MemoryConsumption() int64 {
	var n int64
	for _, s := range t.schemes {
		n += s.MemoryConsumption()
	}
	for _, ci := range t.cons {
		n += ci.MemoryConsumption()
	}
	n += int64(len(t.vecCoarse.Data())+len(t.vecFine.Data())) * 8
	n += int64(len(t.scratch[0])+len(t.scratch[1])+len(t.bufC)+len(t.bufF)) * 8
	return n
}
