package partitions

import (
	"math"

	"github.com/notargets/mgkernel/comm"
	"github.com/pkg/errors"
)

// GhostState tracks whether a vector's ghost slots currently mirror
// their owners. Reading ghosts while out of date is a usage error the
// vector reports instead of returning stale data.
type GhostState int

const (
	// GhostsInvalid means ghost slots hold no usable values.
	GhostsInvalid GhostState = iota
	// GhostsCurrent means ghost slots mirror the owning ranks.
	GhostsCurrent
)

type pendingOp int

const (
	pendingNone pendingOp = iota
	pendingUpdate
	pendingCompress
)

// Vector is a distributed vector over a partitioner's layout: owned
// values first, then ghost slots in ascending global order. Ghost
// updates and additive compression run as split start/finish phases so
// callers can overlap them with local work.
type Vector struct {
	part  *Partitioner
	data  []float64
	state GhostState

	pending        pendingOp
	pendingChannel int
}

// NewVector allocates a zero vector on the partitioner's layout.
func NewVector(part *Partitioner) *Vector {
	return &Vector{part: part, data: make([]float64, part.LocalSize())}
}

// NewVectorOn wraps existing storage in a vector on a layout of the
// same local size, so an embedded partitioner can exchange over a host
// vector's data without copying.
func NewVectorOn(part *Partitioner, data []float64, state GhostState) (*Vector, error) {
	if int64(len(data)) != part.LocalSize() {
		return nil, errors.Errorf("storage has %d slots, the layout needs %d", len(data), part.LocalSize())
	}
	return &Vector{part: part, data: data, state: state}, nil
}

// Partitioner returns the layout the vector lives on.
func (v *Vector) Partitioner() *Partitioner { return v.part }

// Data exposes the local storage, owned section then ghost slots.
func (v *Vector) Data() []float64 { return v.data }

// Owned exposes the owned section of the local storage.
func (v *Vector) Owned() []float64 { return v.data[:v.part.NOwned()] }

// GhostState reports whether ghost slots are current.
func (v *Vector) GhostState() GhostState { return v.state }

// SetGhostState overrides the bookkeeping, for callers that filled
// ghost slots through Data.
func (v *Vector) SetGhostState(s GhostState) { v.state = s }

// Local reads one local position; ghost reads require current ghosts.
func (v *Vector) Local(i int64) (float64, error) {
	if i >= v.part.NOwned() && v.state != GhostsCurrent {
		return 0, errors.Errorf("reading ghost slot %d of a vector without current ghosts", i)
	}
	return v.data[i], nil
}

// SetLocal writes one local position.
func (v *Vector) SetLocal(i int64, x float64) { v.data[i] = x }

// AddLocal accumulates into one local position.
func (v *Vector) AddLocal(i int64, x float64) { v.data[i] += x }

// Global reads a global index that must be local.
func (v *Vector) Global(g int64) (float64, error) {
	local, ok := v.part.GlobalToLocal(g)
	if !ok {
		return 0, errors.Errorf("global index %d is not local", g)
	}
	return v.Local(local)
}

// SetGlobal writes a global index that must be local.
func (v *Vector) SetGlobal(g int64, x float64) error {
	local, ok := v.part.GlobalToLocal(g)
	if !ok {
		return errors.Errorf("global index %d is not local", g)
	}
	v.data[local] = x
	return nil
}

// Zero clears the whole local storage.
func (v *Vector) Zero() {
	for i := range v.data {
		v.data[i] = 0
	}
	v.state = GhostsInvalid
}

// ZeroOutGhosts clears the ghost slots and invalidates them.
func (v *Vector) ZeroOutGhosts() {
	for i := v.part.NOwned(); i < int64(len(v.data)); i++ {
		v.data[i] = 0
	}
	v.state = GhostsInvalid
}

// CopyOwnedFrom copies the owned section from another vector on a
// compatible layout.
func (v *Vector) CopyOwnedFrom(src *Vector) error {
	if v.part.NOwned() != src.part.NOwned() {
		return errors.Errorf("owned sections differ: %d vs %d", v.part.NOwned(), src.part.NOwned())
	}
	copy(v.Owned(), src.Owned())
	return nil
}

// UpdateGhostsStart posts the owner-to-ghost messages of one update
// round on the given channel.
func (v *Vector) UpdateGhostsStart(channel int) error {
	if err := v.beginExchange(pendingUpdate, channel); err != nil {
		return err
	}
	tag := tagGhostBase + channel
	for _, eb := range v.part.Exports() {
		buf := make([]float64, len(eb.Indices))
		for i, idx := range eb.Indices {
			buf[i] = v.data[idx]
		}
		v.part.Comm().Isend(eb.Target, tag, comm.Float64sToBytes(buf))
	}
	return nil
}

// UpdateGhostsFinish receives the round posted by UpdateGhostsStart
// and fills the ghost slots.
func (v *Vector) UpdateGhostsFinish() error {
	if err := v.endExchange(pendingUpdate); err != nil {
		return err
	}
	tag := tagGhostBase + v.pendingChannel
	nOwned := v.part.NOwned()
	for _, ib := range v.part.Imports() {
		_, raw := v.part.Comm().Recv(ib.Source, tag)
		vals := comm.BytesToFloat64s(raw)
		if len(vals) != len(ib.Indices) {
			return errors.Errorf("ghost update from rank %d carries %d values, want %d", ib.Source, len(vals), len(ib.Indices))
		}
		for i, slot := range ib.Indices {
			v.data[nOwned+int64(slot)] = vals[i]
		}
	}
	v.pending = pendingNone
	v.state = GhostsCurrent
	return nil
}

// UpdateGhosts runs a full ghost update round.
func (v *Vector) UpdateGhosts(channel int) error {
	if err := v.UpdateGhostsStart(channel); err != nil {
		return err
	}
	return v.UpdateGhostsFinish()
}

// CompressAddStart posts the ghost-to-owner messages of one additive
// compression round.
func (v *Vector) CompressAddStart(channel int) error {
	if err := v.beginExchange(pendingCompress, channel); err != nil {
		return err
	}
	tag := tagCompressBase + channel
	nOwned := v.part.NOwned()
	for _, ib := range v.part.Imports() {
		buf := make([]float64, len(ib.Indices))
		for i, slot := range ib.Indices {
			buf[i] = v.data[nOwned+int64(slot)]
		}
		v.part.Comm().Isend(ib.Source, tag, comm.Float64sToBytes(buf))
	}
	return nil
}

// CompressAddFinish accumulates received ghost contributions into the
// owned section and zeroes the ghost slots.
func (v *Vector) CompressAddFinish() error {
	if err := v.endExchange(pendingCompress); err != nil {
		return err
	}
	tag := tagCompressBase + v.pendingChannel
	for _, eb := range v.part.Exports() {
		_, raw := v.part.Comm().Recv(eb.Target, tag)
		vals := comm.BytesToFloat64s(raw)
		if len(vals) != len(eb.Indices) {
			return errors.Errorf("compression from rank %d carries %d values, want %d", eb.Target, len(vals), len(eb.Indices))
		}
		for i, idx := range eb.Indices {
			v.data[idx] += vals[i]
		}
	}
	v.ZeroOutGhosts()
	v.pending = pendingNone
	return nil
}

// CompressAdd runs a full additive compression round.
func (v *Vector) CompressAdd(channel int) error {
	if err := v.CompressAddStart(channel); err != nil {
		return err
	}
	return v.CompressAddFinish()
}

func (v *Vector) beginExchange(op pendingOp, channel int) error {
	if channel < 0 || channel >= MaxChannels {
		return errors.Errorf("channel %d outside [0,%d)", channel, MaxChannels)
	}
	if v.pending != pendingNone {
		return errors.New("another split-phase exchange is in flight")
	}
	v.pending = op
	v.pendingChannel = channel
	return nil
}

func (v *Vector) endExchange(op pendingOp) error {
	if v.pending != op {
		return errors.New("finish does not match the exchange in flight")
	}
	return nil
}

// L2Norm computes the global Euclidean norm over owned entries.
// Collective.
func (v *Vector) L2Norm() float64 {
	var local float64
	for _, x := range v.Owned() {
		local += x * x
	}
	return math.Sqrt(v.part.Comm().AllreduceFloat64(local, comm.OpSum))
}

// MaxDiff returns the global maximum absolute difference of owned
// entries between two vectors. Collective.
func (v *Vector) MaxDiff(other *Vector) (float64, error) {
	if v.part.NOwned() != other.part.NOwned() {
		return 0, errors.Errorf("owned sections differ: %d vs %d", v.part.NOwned(), other.part.NOwned())
	}
	var local float64
	a, b := v.Owned(), other.Owned()
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > local {
			local = d
		}
	}
	return v.part.Comm().AllreduceFloat64(local, comm.OpMax), nil
}
