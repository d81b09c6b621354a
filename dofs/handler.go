// Package dofs distributes degrees of freedom over the cells of a
// mesh: entity-shared numbering for continuous elements, cell-private
// numbering for discontinuous ones, contiguous owned ranges per rank,
// and hanging-node constraints. Cell connectivity is replicated, so
// the numbering is computed identically everywhere; each rank retains
// the DoF lists of its own cells and their face neighbors only.
package dofs

import (
	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/element"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
)

// ActiveLevel marks a handler distributing over active cells rather
// than one refinement level.
const ActiveLevel = -1

type entityKey struct {
	kind   int8 // 0 cell-private, 1 vertex, 2 edge, 3 face
	coords [3]int64
	axis   int8
	span   int64
}

type entityInfo struct {
	owner     int
	nDoFs     int
	firstSeen int
	base      int64 // scalar id of the entity's first DoF
}

// Handler numbers the DoFs of one finite element space over a mesh,
// either the active cells or one level of the hierarchy.
type Handler struct {
	c     *comm.Comm
	msh   *mesh.Mesh
	elems []*element.Element
	feOf  func(mesh.CellID) int
	level int

	nScalar    int64
	dofRanges  []int64 // scalar range starts per rank, plus total
	cellDoFs   map[mesh.CellID][]int64
	cellFE     map[mesh.CellID]int
	owned      *partitions.IndexSet
	ghosts     *partitions.IndexSet
	population []mesh.CellID
}

// NewActiveHandler distributes one element over the active cells.
func NewActiveHandler(c *comm.Comm, m *mesh.Mesh, elem *element.Element) (*Handler, error) {
	return newHandler(c, m, []*element.Element{elem}, func(mesh.CellID) int { return 0 }, ActiveLevel)
}

// NewActiveHPHandler distributes a per-cell choice of elements over the
// active cells. Elements sharing entities cannot mix degrees, so every
// element must be discontinuous.
func NewActiveHPHandler(c *comm.Comm, m *mesh.Mesh, elems []*element.Element, feOf func(mesh.CellID) int) (*Handler, error) {
	if len(elems) > 1 {
		for _, e := range elems {
			if e.Continuous {
				return nil, errors.New("mixed-degree spaces require discontinuous elements")
			}
		}
	}
	return newHandler(c, m, elems, feOf, ActiveLevel)
}

// NewLevelHandler distributes one element over all cells of one
// refinement level, refined cells included; ownership follows the
// first-child rule.
func NewLevelHandler(c *comm.Comm, m *mesh.Mesh, elem *element.Element, level int) (*Handler, error) {
	if level < 0 || level >= m.NLevels() {
		return nil, errors.Errorf("level %d outside hierarchy of %d levels", level, m.NLevels())
	}
	return newHandler(c, m, []*element.Element{elem}, func(mesh.CellID) int { return 0 }, level)
}

func newHandler(c *comm.Comm, m *mesh.Mesh, elems []*element.Element, feOf func(mesh.CellID) int, level int) (*Handler, error) {
	if len(elems) == 0 {
		return nil, errors.New("handler needs at least one element")
	}
	comps := elems[0].Components
	for _, e := range elems {
		if e.Dim != m.Dim {
			return nil, errors.Errorf("element dimension %d does not match mesh dimension %d", e.Dim, m.Dim)
		}
		if e.Components != comps {
			return nil, errors.New("all elements of a space must agree on components")
		}
	}
	h := &Handler{
		c:        c,
		msh:      m,
		elems:    elems,
		feOf:     feOf,
		level:    level,
		cellDoFs: map[mesh.CellID][]int64{},
		cellFE:   map[mesh.CellID]int{},
	}
	if err := h.distribute(); err != nil {
		return nil, err
	}
	return h, nil
}

// eachCell visits the handler's cell population in deterministic
// order.
func (h *Handler) eachCell(fn func(mesh.CellID) bool) {
	if h.level == ActiveLevel {
		h.msh.ActiveCells(fn)
		return
	}
	h.msh.CellsOnLevel(h.level, fn)
}

// cellOwner is the rank owning a population cell.
func (h *Handler) cellOwner(c mesh.CellID) int {
	if h.level == ActiveLevel {
		return h.msh.Owner(c)
	}
	return h.msh.LevelOwner(c)
}

// InPopulation reports whether a cell belongs to the handler's cell
// set.
func (h *Handler) InPopulation(c mesh.CellID) bool {
	if h.level == ActiveLevel {
		return h.msh.IsActive(c)
	}
	return c.Level == h.level && h.msh.Exists(c)
}

// key computes the sharing identity of one scalar position of a cell.
// Discontinuous positions and interiors are cell-private; vertices,
// edges and faces are keyed by their geometric span so entities of
// different levels never unify.
func (h *Handler) key(c mesh.CellID, e *element.Element, lex int) entityKey {
	ref := e.Entity(lex)
	if ref.Kind == element.EntityInterior || !e.Continuous {
		return entityKey{kind: 0, coords: [3]int64{c.GlobalID(), 0, 0}, axis: -1}
	}
	switch ref.Kind {
	case element.EntityVertex:
		return entityKey{kind: 1, coords: h.msh.VertexKey(c, ref.Index), axis: -1}
	case element.EntityEdge:
		axis := ref.Index >> uint(e.Dim-1)
		fixedBits := ref.Index & (1<<uint(e.Dim-1) - 1)
		corner := 0
		k := 0
		for d := 0; d < e.Dim; d++ {
			if d == axis {
				continue
			}
			if fixedBits&(1<<k) != 0 {
				corner |= 1 << d
			}
			k++
		}
		min := h.msh.VertexKey(c, corner)
		return entityKey{kind: 2, coords: min, axis: int8(axis), span: h.entitySpan(c)}
	default: // face
		axis := ref.Index >> 1
		side := ref.Index & 1
		corner := 0
		if side == 1 {
			corner = 1 << axis
		}
		min := h.msh.VertexKey(c, corner)
		return entityKey{kind: 3, coords: min, axis: int8(axis), span: h.entitySpan(c)}
	}
}

// withinOf is the position of a scalar DoF within its sharing entity:
// the classified sub-entity position for continuous elements, the raw
// lexicographic position for cell-private discontinuous ones.
func withinOf(e *element.Element, lex int) int {
	if !e.Continuous {
		return lex
	}
	return e.Entity(lex).Within
}

// entitySpan is the scaled edge length of the cell, shared by all its
// entities.
func (h *Handler) entitySpan(c mesh.CellID) int64 {
	return h.msh.VertexKey(c, 1)[0] - h.msh.VertexKey(c, 0)[0]
}

// distribute computes the global numbering: pass one assigns each
// shared entity its owner (the lowest incident rank) and discovery
// order, pass two lays out scalar ids contiguously per rank, pass
// three records per-cell DoF lists and drops the ones this rank does
// not retain.
func (h *Handler) distribute() error {
	entities := map[entityKey]*entityInfo{}
	var discovered []entityKey

	h.eachCell(func(c mesh.CellID) bool {
		e := h.elems[h.feIndexOf(c)]
		owner := h.cellOwner(c)
		ns := e.NDoFsPerCellScalar()
		hierToLex := e.HierarchicToLexicographic()
		for hier := 0; hier < ns; hier++ {
			lex := hierToLex[hier]
			k := h.key(c, e, lex)
			info, ok := entities[k]
			if !ok {
				info = &entityInfo{owner: owner, firstSeen: len(discovered)}
				entities[k] = info
				discovered = append(discovered, k)
			}
			if owner < info.owner {
				info.owner = owner
			}
			if w := withinOf(e, lex) + 1; w > info.nDoFs {
				info.nDoFs = w
			}
		}
		return true
	})

	// Scalar counts per rank, then contiguous bases in discovery order
	// within each rank.
	size := h.c.Size()
	counts := make([]int64, size)
	for _, k := range discovered {
		counts[entities[k].owner] += int64(entities[k].nDoFs)
	}
	h.dofRanges = make([]int64, size+1)
	for r := 0; r < size; r++ {
		h.dofRanges[r+1] = h.dofRanges[r] + counts[r]
	}
	h.nScalar = h.dofRanges[size]

	next := make([]int64, size)
	copy(next, h.dofRanges[:size])
	for _, k := range discovered {
		info := entities[k]
		info.base = next[info.owner]
		next[info.owner] += int64(info.nDoFs)
	}

	// Per-cell DoF lists in hierarchic order, components interleaved.
	comps := int64(h.Components())
	retained := h.retainedCells()
	h.eachCell(func(c mesh.CellID) bool {
		if !retained[c] {
			return true
		}
		e := h.elems[h.feIndexOf(c)]
		ns := e.NDoFsPerCellScalar()
		hierToLex := e.HierarchicToLexicographic()
		list := make([]int64, int64(ns)*comps)
		for hier := 0; hier < ns; hier++ {
			lex := hierToLex[hier]
			k := h.key(c, e, lex)
			info := entities[k]
			scalar := info.base + int64(withinOf(e, lex))
			for comp := int64(0); comp < comps; comp++ {
				list[int64(hier)*comps+comp] = scalar*comps + comp
			}
		}
		h.cellDoFs[c] = list
		h.cellFE[c] = h.feIndexOf(c)
		return true
	})

	rank := h.c.Rank()
	h.owned = partitions.NewIndexSet(h.NDoFs())
	h.owned.AddRange(h.dofRanges[rank]*comps, h.dofRanges[rank+1]*comps)

	h.ghosts = partitions.NewIndexSet(h.NDoFs())
	begin, end := h.OwnedRange()
	for _, list := range h.cellDoFs {
		for _, g := range list {
			if g < begin || g >= end {
				h.ghosts.AddIndex(g)
			}
		}
	}
	h.ghosts.Compress()
	return nil
}

// retainedCells marks the cells whose DoF lists this rank keeps: its
// own plus every population cell sharing a face with one of them,
// whatever the level difference.
func (h *Handler) retainedCells() map[mesh.CellID]bool {
	rank := h.c.Rank()
	retained := map[mesh.CellID]bool{}
	h.eachCell(func(c mesh.CellID) bool {
		if h.cellOwner(c) != rank {
			return true
		}
		retained[c] = true
		for f := 0; f < h.msh.NFaces(); f++ {
			n := h.msh.Neighbor(c, f)
			if n == mesh.Invalid {
				continue
			}
			if h.InPopulation(n) {
				retained[n] = true
				continue
			}
			if h.level != ActiveLevel {
				continue
			}
			// The active neighbor is either coarser (the parent's
			// neighbor) or finer (children of the refined neighbor
			// touching the shared face).
			if parent, _ := h.msh.Parent(n); parent != mesh.Invalid && h.msh.IsActive(parent) {
				retained[parent] = true
				continue
			}
			if h.msh.IsRefined(n) {
				for o := 0; o < h.msh.NChildren(); o++ {
					child := h.msh.Child(n, o)
					if h.InPopulation(child) && touchesFace(f, o, h.msh.Dim) {
						retained[child] = true
					}
				}
			}
		}
		return true
	})
	return retained
}

// touchesFace reports whether child octant o of the neighbor borders
// the face shared with the original cell. Face f of the cell is face
// f^1 of the neighbor.
func touchesFace(f, octant, dim int) bool {
	axis := f / 2
	// The child must sit on the neighbor's side facing back.
	wantBit := (f ^ 1) % 2
	return (octant>>axis)&1 == wantBit
}

func (h *Handler) feIndexOf(c mesh.CellID) int {
	fe := h.feOf(c)
	if fe < 0 || fe >= len(h.elems) {
		panic(errors.Errorf("cell (level %d, index %d) selects element %d of %d", c.Level, c.Index, fe, len(h.elems)))
	}
	return fe
}

// Comm returns the communicator.
func (h *Handler) Comm() *comm.Comm { return h.c }

// Mesh returns the distributed mesh.
func (h *Handler) Mesh() *mesh.Mesh { return h.msh }

// Level returns the distributed level, or ActiveLevel.
func (h *Handler) Level() int { return h.level }

// Components returns the vector component count of the space.
func (h *Handler) Components() int { return h.elems[0].Components }

// NumElements returns the element table size.
func (h *Handler) NumElements() int { return len(h.elems) }

// Element returns one element of the table.
func (h *Handler) Element(fe int) *element.Element { return h.elems[fe] }

// FEIndex returns the element table index of a retained cell.
func (h *Handler) FEIndex(c mesh.CellID) (int, bool) {
	fe, ok := h.cellFE[c]
	return fe, ok
}

// NDoFs returns the global DoF count including components.
func (h *Handler) NDoFs() int64 { return h.nScalar * int64(h.Components()) }

// OwnedRange returns this rank's contiguous owned DoF range.
func (h *Handler) OwnedRange() (int64, int64) {
	comps := int64(h.Components())
	rank := h.c.Rank()
	return h.dofRanges[rank] * comps, h.dofRanges[rank+1] * comps
}

// OwnedDoFs returns the owned range as a set.
func (h *Handler) OwnedDoFs() *partitions.IndexSet { return h.owned }

// GhostDoFs returns the non-owned DoFs of retained cells.
func (h *Handler) GhostDoFs() *partitions.IndexSet { return h.ghosts }

// DoFOwner returns the rank owning a global DoF.
func (h *Handler) DoFOwner(g int64) int {
	scalar := g / int64(h.Components())
	lo, hi := 0, len(h.dofRanges)-1
	for lo < hi-1 {
		mid := (lo + hi) / 2
		if h.dofRanges[mid] <= scalar {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// CellDoFs returns the global DoF list of a retained cell, hierarchic
// order with components interleaved. The second result is false for
// cells this rank does not retain.
func (h *Handler) CellDoFs(c mesh.CellID) ([]int64, bool) {
	list, ok := h.cellDoFs[c]
	return list, ok
}

// OwnedCells lists this rank's population cells in deterministic
// order.
func (h *Handler) OwnedCells() []mesh.CellID {
	var out []mesh.CellID
	rank := h.c.Rank()
	h.eachCell(func(c mesh.CellID) bool {
		if h.cellOwner(c) == rank {
			out = append(out, c)
		}
		return true
	})
	return out
}

// NewPartitioner builds the vector layout of this space: the owned
// range plus the retained ghost DoFs, or a caller-supplied ghost set.
// Collective.
func (h *Handler) NewPartitioner(extraGhosts *partitions.IndexSet) (*partitions.Partitioner, error) {
	begin, end := h.OwnedRange()
	ghosts := partitions.NewIndexSet(h.NDoFs())
	h.ghosts.Each(func(g int64) bool {
		ghosts.AddIndex(g)
		return true
	})
	if extraGhosts != nil {
		extraGhosts.Each(func(g int64) bool {
			if g < begin || g >= end {
				ghosts.AddIndex(g)
			}
			return true
		})
	}
	return partitions.NewPartitioner(h.c, begin, end, h.NDoFs(), ghosts)
}
