package partitions

import (
	"sort"

	"github.com/notargets/mgkernel/comm"
	"github.com/pkg/errors"
)

// Message tags of this package's exchanges; ghost and compress rounds
// offset by a caller-chosen channel so independent vectors never share
// a stream.
const (
	tagBuildMaps    = comm.TagUser
	tagVerify       = comm.TagUser + 1
	tagGhostBase    = comm.TagUser + 8
	tagCompressBase = tagGhostBase + MaxChannels

	// MaxChannels bounds the channel argument of split-phase vector
	// exchanges.
	MaxChannels = 8
)

// ExportBuffer lists the owned local positions picked for one
// neighbor's ghost update.
type ExportBuffer struct {
	Target  int
	Indices []int32
}

// ImportBuffer lists the ghost slots filled from one neighbor.
type ImportBuffer struct {
	Source  int
	Indices []int32
}

// Partitioner describes the distribution of a global index space:
// a contiguous owned range per rank plus an arbitrary ghost set, with
// precomputed neighbor exchange maps. The ghost layout may be a
// superset of the exchanged ghosts when the partitioner is embedded in
// a larger one, so vectors keep their storage while exchanging less.
type Partitioner struct {
	c          *comm.Comm
	globalSize int64
	ownedBegin int64
	ownedEnd   int64
	ghosts     *IndexSet
	layout     *IndexSet
	ranges     []int64

	exports []ExportBuffer
	imports []ImportBuffer
}

// NewPartitioner builds a partitioner over the global space. The owned
// ranges of all ranks must be ascending, disjoint and cover the space;
// ghosts must be non-owned indices inside the space. Collective.
func NewPartitioner(c *comm.Comm, ownedBegin, ownedEnd, globalSize int64, ghosts *IndexSet) (*Partitioner, error) {
	if ownedBegin > ownedEnd || ownedBegin < 0 || ownedEnd > globalSize {
		return nil, errors.Errorf("owned range [%d,%d) invalid for global size %d", ownedBegin, ownedEnd, globalSize)
	}
	if ghosts == nil {
		ghosts = NewIndexSet(globalSize)
	}
	p := &Partitioner{
		c:          c,
		globalSize: globalSize,
		ownedBegin: ownedBegin,
		ownedEnd:   ownedEnd,
		ghosts:     ghosts,
		layout:     ghosts,
	}

	// Everybody learns every owned range.
	size := c.Size()
	begins := c.AllgatherInt64(ownedBegin)
	ends := c.AllgatherInt64(ownedEnd)
	p.ranges = make([]int64, size+1)
	for r := 0; r < size; r++ {
		p.ranges[r] = begins[r]
		if r > 0 && ends[r-1] != begins[r] {
			return nil, errors.Errorf("owned ranges of ranks %d and %d do not meet: %d vs %d", r-1, r, ends[r-1], begins[r])
		}
	}
	if begins[0] != 0 || ends[size-1] != globalSize {
		return nil, errors.Errorf("owned ranges cover [%d,%d), want [0,%d)", begins[0], ends[size-1], globalSize)
	}
	p.ranges[size] = globalSize

	for _, iv := range ghosts.Intervals() {
		if iv.Begin < 0 || iv.End > globalSize {
			return nil, errors.Errorf("ghost range [%d,%d) outside global space of size %d", iv.Begin, iv.End, globalSize)
		}
		if iv.End > ownedBegin && iv.Begin < ownedEnd {
			return nil, errors.Errorf("ghost range [%d,%d) overlaps owned range [%d,%d)", iv.Begin, iv.End, ownedBegin, ownedEnd)
		}
	}

	if err := p.buildExchangeMaps(ghosts); err != nil {
		return nil, err
	}
	return p, nil
}

// buildExchangeMaps tells every owner which of its indices this rank
// ghosts and derives pick/place buffers on both sides. Collective.
func (p *Partitioner) buildExchangeMaps(active *IndexSet) error {
	size := p.c.Size()
	perOwner := make([][]int64, size)
	active.Each(func(g int64) bool {
		perOwner[p.OwnerOf(g)] = append(perOwner[p.OwnerOf(g)], g)
		return true
	})

	counts := make([]int64, size)
	for r, list := range perOwner {
		counts[r] = int64(len(list))
	}
	incoming := p.c.ExchangeCounts(counts)

	var reqs []*comm.Request
	for dst, list := range perOwner {
		if len(list) == 0 {
			continue
		}
		if dst == p.c.Rank() {
			return errors.Errorf("rank %d ghosts %d of its own indices", dst, len(list))
		}
		reqs = append(reqs, p.c.Isend(dst, tagBuildMaps, comm.Int64sToBytes(list)))

		slots := make([]int32, len(list))
		for i, g := range list {
			pos := p.layout.PositionOf(g)
			if pos < 0 {
				return errors.Errorf("ghost %d missing from the layout set", g)
			}
			slots[i] = int32(pos)
		}
		p.imports = append(p.imports, ImportBuffer{Source: dst, Indices: slots})
	}

	for src := 0; src < size; src++ {
		if incoming[src] == 0 || src == p.c.Rank() {
			continue
		}
		_, raw := p.c.Recv(src, tagBuildMaps)
		globals := comm.BytesToInt64s(raw)
		local := make([]int32, len(globals))
		for i, g := range globals {
			if g < p.ownedBegin || g >= p.ownedEnd {
				return errors.Errorf("rank %d ghosts index %d this rank does not own", src, g)
			}
			local[i] = int32(g - p.ownedBegin)
		}
		p.exports = append(p.exports, ExportBuffer{Target: src, Indices: local})
	}
	sort.Slice(p.exports, func(i, j int) bool { return p.exports[i].Target < p.exports[j].Target })
	sort.Slice(p.imports, func(i, j int) bool { return p.imports[i].Source < p.imports[j].Source })

	p.c.WaitAll(reqs)
	return nil
}

// Comm returns the communicator the partitioner was built on.
func (p *Partitioner) Comm() *comm.Comm { return p.c }

// GlobalSize returns the size of the partitioned space.
func (p *Partitioner) GlobalSize() int64 { return p.globalSize }

// OwnedRange returns the half-open locally owned range.
func (p *Partitioner) OwnedRange() (int64, int64) { return p.ownedBegin, p.ownedEnd }

// NOwned counts the locally owned indices.
func (p *Partitioner) NOwned() int64 { return p.ownedEnd - p.ownedBegin }

// NGhosts counts the ghost slots of the local layout.
func (p *Partitioner) NGhosts() int64 { return p.layout.NElements() }

// LocalSize is the owned plus ghost slot count.
func (p *Partitioner) LocalSize() int64 { return p.NOwned() + p.NGhosts() }

// GhostIndices returns the exchanged ghost set.
func (p *Partitioner) GhostIndices() *IndexSet { return p.ghosts }

// IsOwned reports whether a global index is locally owned.
func (p *Partitioner) IsOwned(g int64) bool { return g >= p.ownedBegin && g < p.ownedEnd }

// IsGhost reports whether a global index has a local ghost slot.
func (p *Partitioner) IsGhost(g int64) bool { return p.layout.Contains(g) }

// OwnerOf returns the rank owning a global index.
func (p *Partitioner) OwnerOf(g int64) int {
	i := sort.Search(len(p.ranges)-1, func(i int) bool { return p.ranges[i+1] > g })
	return i
}

// GlobalToLocal maps a global index to its local position: owned
// indices first, then ghost slots in ascending global order. The
// second result reports whether the index is local at all.
func (p *Partitioner) GlobalToLocal(g int64) (int64, bool) {
	if p.IsOwned(g) {
		return g - p.ownedBegin, true
	}
	if pos := p.layout.PositionOf(g); pos >= 0 {
		return p.NOwned() + pos, true
	}
	return -1, false
}

// LocalToGlobal is the inverse of GlobalToLocal.
func (p *Partitioner) LocalToGlobal(local int64) (int64, error) {
	if local < 0 || local >= p.LocalSize() {
		return 0, errors.Errorf("local index %d outside layout of size %d", local, p.LocalSize())
	}
	if local < p.NOwned() {
		return p.ownedBegin + local, nil
	}
	return p.layout.NthIndex(local - p.NOwned())
}

// Exports returns the per-neighbor pick buffers.
func (p *Partitioner) Exports() []ExportBuffer { return p.exports }

// Imports returns the per-neighbor place buffers.
func (p *Partitioner) Imports() []ImportBuffer { return p.imports }

// VerifySymmetry cross-checks the exchange maps: the global index list
// behind every pick buffer must hash to the same digest as the list the
// receiving side expects. Collective.
func (p *Partitioner) VerifySymmetry() error {
	size := p.c.Size()

	myExports := make([]uint64, size)
	for _, eb := range p.exports {
		globals := make([]int64, len(eb.Indices))
		for i, idx := range eb.Indices {
			globals[i] = p.ownedBegin + int64(idx)
		}
		myExports[eb.Target] = comm.DigestInt64s(globals)
	}
	myImports := make([]uint64, size)
	for _, ib := range p.imports {
		globals := make([]int64, len(ib.Indices))
		for i, idx := range ib.Indices {
			g, err := p.layout.NthIndex(int64(idx))
			if err != nil {
				return err
			}
			globals[i] = g
		}
		myImports[ib.Source] = comm.DigestInt64s(globals)
	}

	var reqs []*comm.Request
	for dst := 0; dst < size; dst++ {
		if dst == p.c.Rank() {
			continue
		}
		payload := []int64{int64(myExports[dst]), int64(myImports[dst])}
		reqs = append(reqs, p.c.Isend(dst, tagVerify, comm.Int64sToBytes(payload)))
	}
	for src := 0; src < size; src++ {
		if src == p.c.Rank() {
			continue
		}
		_, raw := p.c.Recv(src, tagVerify)
		vals := comm.BytesToInt64s(raw)
		theirExport, theirImport := uint64(vals[0]), uint64(vals[1])
		if myImports[src] != theirExport {
			return errors.Errorf("rank %d sends a different index list than rank %d expects", src, p.c.Rank())
		}
		if myExports[src] != theirImport {
			return errors.Errorf("rank %d expects a different index list than rank %d sends", src, p.c.Rank())
		}
	}
	p.c.WaitAll(reqs)
	return nil
}

// IsContainedWithin reports, consistently across all ranks, whether
// this partitioner can reuse vectors laid out by other: same global
// space, identical owned ranges and a ghost subset everywhere.
func (p *Partitioner) IsContainedWithin(other *Partitioner) bool {
	local := p.globalSize == other.globalSize &&
		p.ownedBegin == other.ownedBegin &&
		p.ownedEnd == other.ownedEnd &&
		p.ghosts.IsSubsetOf(other.layout)
	return p.c.AllreduceAnd(local)
}

// NewEmbeddedPartitioner builds a partitioner that exchanges only this
// partitioner's ghosts while addressing vectors laid out by host: the
// ghost slot numbering of host is kept, the exchange maps shrink.
// Collective; IsContainedWithin must hold.
func (p *Partitioner) NewEmbeddedPartitioner(host *Partitioner) (*Partitioner, error) {
	e := &Partitioner{
		c:          p.c,
		globalSize: host.globalSize,
		ownedBegin: host.ownedBegin,
		ownedEnd:   host.ownedEnd,
		ghosts:     p.ghosts,
		layout:     host.layout,
		ranges:     host.ranges,
	}
	if err := e.buildExchangeMaps(p.ghosts); err != nil {
		return nil, err
	}
	return e, nil
}
