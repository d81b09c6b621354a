package mesh

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// scaleShift fixes the resolution of the vertex key lattice. Cells
// beyond this refinement depth cannot be addressed.
const scaleShift = 40

// CellID addresses one cell of the refinement forest: the level and
// the lexicographic index of the cell within that level's lattice. The
// index space is dense over all possible cells of the level, whether or
// not a given cell exists.
type CellID struct {
	Level int
	Index int64
}

// Invalid is the sentinel cell id.
var Invalid = CellID{Level: -1, Index: -1}

// GlobalID packs a cell id into a single comparable integer, used when
// cell identities travel between ranks.
func (c CellID) GlobalID() int64 {
	return int64(c.Level)<<48 | c.Index
}

// CellFromGlobalID is the inverse of GlobalID.
func CellFromGlobalID(g int64) CellID {
	return CellID{Level: int(g >> 48), Index: g & (1<<48 - 1)}
}

type cellInfo struct {
	refined bool
	owner   int
}

type level struct {
	cells map[int64]*cellInfo
}

// Mesh is a forest of hypercube cells over a structured root lattice
// spanning the unit box. Refinement splits a cell into 2^dim children;
// the forest keeps a 2:1 size balance across faces. Connectivity is
// replicated on every rank; ownership labels and all DoF data are
// distributed.
type Mesh struct {
	Dim      int
	Root     [3]int
	NumRanks int

	levels []*level
}

// NewMesh creates a single-level mesh with the given number of root
// cells per axis. Unused axes default to one cell.
func NewMesh(dim int, root ...int) (*Mesh, error) {
	if dim < 1 || dim > 3 {
		return nil, errors.Errorf("unsupported dimension %d", dim)
	}
	if len(root) != dim {
		return nil, errors.Errorf("want %d root extents, got %d", dim, len(root))
	}
	m := &Mesh{Dim: dim, Root: [3]int{1, 1, 1}, NumRanks: 1}
	for d, n := range root {
		if n < 1 {
			return nil, errors.Errorf("root extent along axis %d must be positive, got %d", d, n)
		}
		m.Root[d] = n
	}
	l0 := &level{cells: map[int64]*cellInfo{}}
	for i := int64(0); i < m.latticeSize(0); i++ {
		l0.cells[i] = &cellInfo{}
	}
	m.levels = []*level{l0}
	return m, nil
}

// NLevels returns the number of levels in the forest, including levels
// holding only refined cells.
func (m *Mesh) NLevels() int { return len(m.levels) }

// Extent returns the lattice dimensions at one level.
func (m *Mesh) Extent(lvl int) [3]int64 {
	var e [3]int64
	for d := 0; d < 3; d++ {
		e[d] = 1
	}
	for d := 0; d < m.Dim; d++ {
		e[d] = int64(m.Root[d]) << uint(lvl)
	}
	return e
}

func (m *Mesh) latticeSize(lvl int) int64 {
	e := m.Extent(lvl)
	return e[0] * e[1] * e[2]
}

// DenseCellKey folds a cell id into the dense enumeration over all
// level lattices, the key space of the ownership directory.
func (m *Mesh) DenseCellKey(c CellID) int64 {
	key := c.Index
	for l := 0; l < c.Level; l++ {
		key += m.latticeSize(l)
	}
	return key
}

// CellFromDenseKey inverts DenseCellKey.
func (m *Mesh) CellFromDenseKey(key int64) CellID {
	for l := 0; l < m.NLevels(); l++ {
		n := m.latticeSize(l)
		if key < n {
			return CellID{Level: l, Index: key}
		}
		key -= n
	}
	return Invalid
}

// DenseKeyBound is one past the largest dense cell key of the forest.
func (m *Mesh) DenseKeyBound() int64 {
	var n int64
	for l := 0; l < m.NLevels(); l++ {
		n += m.latticeSize(l)
	}
	return n
}

// Coords unpacks a cell index into lattice coordinates.
func (m *Mesh) Coords(c CellID) [3]int64 {
	e := m.Extent(c.Level)
	var out [3]int64
	idx := c.Index
	out[0] = idx % e[0]
	idx /= e[0]
	out[1] = idx % e[1]
	out[2] = idx / e[1]
	return out
}

// CellAt returns the cell id for lattice coordinates at a level, or
// Invalid when the coordinates fall outside the lattice.
func (m *Mesh) CellAt(lvl int, coords [3]int64) CellID {
	e := m.Extent(lvl)
	for d := 0; d < 3; d++ {
		if coords[d] < 0 || coords[d] >= e[d] {
			return Invalid
		}
	}
	return CellID{Level: lvl, Index: (coords[2]*e[1]+coords[1])*e[0] + coords[0]}
}

func (m *Mesh) info(c CellID) *cellInfo {
	if c.Level < 0 || c.Level >= len(m.levels) {
		return nil
	}
	return m.levels[c.Level].cells[c.Index]
}

// Exists reports whether the cell is part of the forest, active or
// refined.
func (m *Mesh) Exists(c CellID) bool { return m.info(c) != nil }

// IsActive reports whether the cell exists and is a leaf.
func (m *Mesh) IsActive(c CellID) bool {
	ci := m.info(c)
	return ci != nil && !ci.refined
}

// IsRefined reports whether the cell exists and has children.
func (m *Mesh) IsRefined(c CellID) bool {
	ci := m.info(c)
	return ci != nil && ci.refined
}

// Child returns the cell id of one of the 2^dim children. The octant's
// bit along each axis selects the half along that axis.
func (m *Mesh) Child(c CellID, octant int) CellID {
	p := m.Coords(c)
	var cc [3]int64
	for d := 0; d < m.Dim; d++ {
		cc[d] = 2*p[d] + int64((octant>>d)&1)
	}
	return m.CellAt(c.Level+1, cc)
}

// Parent returns the parent cell and the octant this cell occupies
// within it. Level-0 cells have no parent.
func (m *Mesh) Parent(c CellID) (CellID, int) {
	if c.Level == 0 {
		return Invalid, -1
	}
	p := m.Coords(c)
	var pc [3]int64
	octant := 0
	for d := 0; d < m.Dim; d++ {
		pc[d] = p[d] >> 1
		octant |= int(p[d]&1) << d
	}
	return m.CellAt(c.Level-1, pc), octant
}

// Neighbor returns the face neighbor across face number 2*axis+side,
// at the same level, or Invalid at the domain boundary.
func (m *Mesh) Neighbor(c CellID, face int) CellID {
	axis := face / 2
	p := m.Coords(c)
	if face%2 == 0 {
		p[axis]--
	} else {
		p[axis]++
	}
	return m.CellAt(c.Level, p)
}

// NFaces returns the face count per cell.
func (m *Mesh) NFaces() int { return 2 * m.Dim }

// NChildren returns 2^dim.
func (m *Mesh) NChildren() int { return 1 << m.Dim }

// Refine splits an active cell into its 2^dim children, first refining
// whatever coarser neighbors are needed to keep the 2:1 face balance.
func (m *Mesh) Refine(c CellID) error {
	ci := m.info(c)
	if ci == nil {
		return errors.Errorf("cannot refine cell (level %d, index %d): not in forest", c.Level, c.Index)
	}
	if ci.refined {
		return nil
	}
	// Closure: every same-level face neighbor inside the domain must
	// exist before this cell gains children.
	for f := 0; f < m.NFaces(); f++ {
		n := m.Neighbor(c, f)
		if n == Invalid || m.Exists(n) {
			continue
		}
		parent, _ := m.Parent(n)
		if parent == Invalid {
			return errors.Errorf("refinement closure failed at cell (level %d, index %d)", n.Level, n.Index)
		}
		if err := m.Refine(parent); err != nil {
			return err
		}
	}
	ci.refined = true
	if c.Level+1 >= len(m.levels) {
		m.levels = append(m.levels, &level{cells: map[int64]*cellInfo{}})
	}
	for o := 0; o < m.NChildren(); o++ {
		child := m.Child(c, o)
		m.levels[c.Level+1].cells[child.Index] = &cellInfo{owner: ci.owner}
	}
	return nil
}

// RefineCells refines a batch of active cells.
func (m *Mesh) RefineCells(cells []CellID) error {
	for _, c := range cells {
		if err := m.Refine(c); err != nil {
			return err
		}
	}
	return nil
}

// GlobalRefine refines every active cell the given number of times.
func (m *Mesh) GlobalRefine(times int) error {
	for t := 0; t < times; t++ {
		var active []CellID
		m.ActiveCells(func(c CellID) bool {
			active = append(active, c)
			return true
		})
		if err := m.RefineCells(active); err != nil {
			return err
		}
	}
	return nil
}

// ActiveCells visits every active cell in deterministic order, level
// ascending then index ascending; the callback returns false to stop.
func (m *Mesh) ActiveCells(fn func(CellID) bool) {
	for lvl := range m.levels {
		if !m.cellsOnLevelFiltered(lvl, true, fn) {
			return
		}
	}
}

// CellsOnLevel visits every existing cell on one level, active and
// refined, in index order.
func (m *Mesh) CellsOnLevel(lvl int, fn func(CellID) bool) {
	if lvl < 0 || lvl >= len(m.levels) {
		return
	}
	m.cellsOnLevelFiltered(lvl, false, fn)
}

func (m *Mesh) cellsOnLevelFiltered(lvl int, activeOnly bool, fn func(CellID) bool) bool {
	keys := lo.Keys(m.levels[lvl].cells)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, idx := range keys {
		if activeOnly && m.levels[lvl].cells[idx].refined {
			continue
		}
		if !fn(CellID{Level: lvl, Index: idx}) {
			return false
		}
	}
	return true
}

// NActiveCells counts the active cells of the whole forest.
func (m *Mesh) NActiveCells() int {
	n := 0
	m.ActiveCells(func(CellID) bool { n++; return true })
	return n
}

// NCellsOnLevel counts existing cells on one level.
func (m *Mesh) NCellsOnLevel(lvl int) int {
	if lvl < 0 || lvl >= len(m.levels) {
		return 0
	}
	return len(m.levels[lvl].cells)
}

// Owner returns the owning rank of an existing cell.
func (m *Mesh) Owner(c CellID) int {
	ci := m.info(c)
	if ci == nil {
		return -1
	}
	return ci.owner
}

// SetOwner labels an existing cell with its owning rank.
func (m *Mesh) SetOwner(c CellID, rank int) error {
	ci := m.info(c)
	if ci == nil {
		return errors.Errorf("cell (level %d, index %d) not in forest", c.Level, c.Index)
	}
	ci.owner = rank
	return nil
}

// LevelOwner resolves ownership of any existing cell for level work:
// active cells keep their owner, refined cells follow their first
// child.
func (m *Mesh) LevelOwner(c CellID) int {
	ci := m.info(c)
	if ci == nil {
		return -1
	}
	if !ci.refined {
		return ci.owner
	}
	return m.LevelOwner(m.Child(c, 0))
}

// IsSingleLevel reports whether every active cell sits on level 0.
func (m *Mesh) IsSingleLevel() bool {
	single := true
	m.ActiveCells(func(c CellID) bool {
		if c.Level != 0 {
			single = false
			return false
		}
		return true
	})
	return single
}

// GlobalCoarsen builds the mesh obtained by coarsening every active
// cell once. A refined cell whose children are all active collapses;
// active level-0 cells and cells blocked by a refined sibling stay.
// Ownership of a collapsed cell follows the first child.
func (m *Mesh) GlobalCoarsen() (*Mesh, error) {
	root := make([]int, m.Dim)
	for d := 0; d < m.Dim; d++ {
		root[d] = m.Root[d]
	}
	out, err := NewMesh(m.Dim, root...)
	if err != nil {
		return nil, err
	}
	out.NumRanks = m.NumRanks

	var targets []CellID
	owners := map[CellID]int{}
	m.ActiveCells(func(c CellID) bool {
		t := c
		owner := m.Owner(c)
		if c.Level > 0 {
			parent, octant := m.Parent(c)
			collapsible := true
			for o := 0; o < m.NChildren(); o++ {
				if !m.IsActive(m.Child(parent, o)) {
					collapsible = false
					break
				}
			}
			if collapsible {
				if octant != 0 {
					return true
				}
				t = parent
			}
		}
		targets = append(targets, t)
		owners[t] = owner
		return true
	})

	// Create ancestors top-down so every target becomes reachable.
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Level != targets[j].Level {
			return targets[i].Level < targets[j].Level
		}
		return targets[i].Index < targets[j].Index
	})
	for _, t := range targets {
		if err := out.ensureCell(t); err != nil {
			return nil, err
		}
		if err := out.SetOwner(t, owners[t]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ensureCell makes a cell exist by refining its ancestor chain.
func (m *Mesh) ensureCell(c CellID) error {
	if m.Exists(c) {
		return nil
	}
	parent, _ := m.Parent(c)
	if parent == Invalid {
		return errors.Errorf("cell (level %d, index %d) outside root lattice", c.Level, c.Index)
	}
	if err := m.ensureCell(parent); err != nil {
		return err
	}
	return m.Refine(parent)
}

// SameRoot reports whether two meshes share a root lattice, making
// their cell id spaces comparable.
func (m *Mesh) SameRoot(other *Mesh) bool {
	return m.Dim == other.Dim && m.Root == other.Root
}

// BoundingBox returns the axis-aligned box of a cell in the unit
// domain.
func (m *Mesh) BoundingBox(c CellID) (lower, upper [3]float64) {
	e := m.Extent(c.Level)
	p := m.Coords(c)
	for d := 0; d < m.Dim; d++ {
		h := 1.0 / float64(e[d])
		lower[d] = float64(p[d]) * h
		upper[d] = float64(p[d]+1) * h
	}
	return lower, upper
}

// VertexKey returns the lattice position of one cell corner at a fixed
// global resolution, so coinciding vertices of cells on different
// levels share a key.
func (m *Mesh) VertexKey(c CellID, corner int) [3]int64 {
	p := m.Coords(c)
	var key [3]int64
	for d := 0; d < m.Dim; d++ {
		key[d] = (p[d] + int64((corner>>d)&1)) << uint(scaleShift-c.Level)
	}
	return key
}

// RefCoords maps a point of the unit domain into the cell's reference
// coordinates.
func (m *Mesh) RefCoords(c CellID, point [3]float64) [3]float64 {
	lower, upper := m.BoundingBox(c)
	var ref [3]float64
	for d := 0; d < m.Dim; d++ {
		ref[d] = (point[d] - lower[d]) / (upper[d] - lower[d])
	}
	return ref
}

// LocateCell descends the forest to the active cell containing a point
// of the unit domain. Points on shared cell boundaries resolve to the
// lower-index cell.
func (m *Mesh) LocateCell(point [3]float64) (CellID, bool) {
	var coords [3]int64
	e := m.Extent(0)
	for d := 0; d < m.Dim; d++ {
		if point[d] < 0 || point[d] > 1 {
			return Invalid, false
		}
		coords[d] = int64(point[d] * float64(e[d]))
		if coords[d] >= e[d] {
			coords[d] = e[d] - 1
		}
	}
	c := m.CellAt(0, coords)
	if !m.Exists(c) {
		return Invalid, false
	}
	for m.IsRefined(c) {
		lower, upper := m.BoundingBox(c)
		octant := 0
		for d := 0; d < m.Dim; d++ {
			if point[d] >= 0.5*(lower[d]+upper[d]) {
				octant |= 1 << d
			}
		}
		c = m.Child(c, octant)
	}
	return c, true
}
