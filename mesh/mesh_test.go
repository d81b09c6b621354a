package mesh

import (
	"fmt"
	"testing"
)

// buildRefinedUnitSquare returns a 2x2-root square mesh with one corner
// cell refined once.
func buildRefinedUnitSquare(t *testing.T) *Mesh {
	t.Helper()
	m, err := NewMesh(2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Refine(CellID{Level: 0, Index: 0}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCellIndexRoundtrip(t *testing.T) {
	m, err := NewMesh(3, 2, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	for lvl := 0; lvl <= 2; lvl++ {
		e := m.Extent(lvl)
		n := e[0] * e[1] * e[2]
		for idx := int64(0); idx < n; idx += n/7 + 1 {
			c := CellID{Level: lvl, Index: idx}
			if got := m.CellAt(lvl, m.Coords(c)); got != c {
				t.Fatalf("level %d index %d: roundtrip gave %+v", lvl, idx, got)
			}
		}
	}
}

func TestGlobalIDRoundtrip(t *testing.T) {
	cases := []CellID{
		{Level: 0, Index: 0},
		{Level: 3, Index: 12345},
		{Level: 11, Index: 1 << 40},
	}
	for _, c := range cases {
		if got := CellFromGlobalID(c.GlobalID()); got != c {
			t.Errorf("global id roundtrip of %+v gave %+v", c, got)
		}
	}
}

func TestChildParentRoundtrip(t *testing.T) {
	m, err := NewMesh(2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	c := CellID{Level: 0, Index: 3}
	for octant := 0; octant < m.NChildren(); octant++ {
		child := m.Child(c, octant)
		parent, got := m.Parent(child)
		if parent != c || got != octant {
			t.Errorf("octant %d: parent %+v octant %d", octant, parent, got)
		}
	}
}

func TestRefineCreatesChildren(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	c := CellID{Level: 0, Index: 0}
	if !m.IsRefined(c) {
		t.Fatal("refined cell not marked refined")
	}
	if m.IsActive(c) {
		t.Fatal("refined cell still active")
	}
	for o := 0; o < 4; o++ {
		if !m.IsActive(m.Child(c, o)) {
			t.Errorf("child %d not active", o)
		}
	}
	if got := m.NActiveCells(); got != 7 {
		t.Errorf("active cells = %d, want 7", got)
	}
}

func TestRefineEnforcesFaceBalance(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	// Refining a level-1 child twice forces the neighboring root cells
	// to refine so no face spans more than one level difference.
	child := m.Child(CellID{Level: 0, Index: 0}, 3)
	if err := m.Refine(child); err != nil {
		t.Fatal(err)
	}
	grand := m.Child(child, 3)
	if err := m.Refine(grand); err != nil {
		t.Fatal(err)
	}
	m.ActiveCells(func(c CellID) bool {
		for f := 0; f < m.NFaces(); f++ {
			n := m.Neighbor(c, f)
			if n == Invalid {
				continue
			}
			// The neighbor slot must resolve within one level: either
			// the cell itself, its parent, or a refined cell.
			if m.Exists(n) {
				continue
			}
			parent, _ := m.Parent(n)
			if !m.Exists(parent) {
				t.Errorf("cell %+v face %d: neighbor more than one level coarser", c, f)
			}
		}
		return true
	})
}

func TestGlobalRefineCounts(t *testing.T) {
	m, err := NewMesh(2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.GlobalRefine(2); err != nil {
		t.Fatal(err)
	}
	if got := m.NActiveCells(); got != 64 {
		t.Errorf("active cells = %d, want 64", got)
	}
	if m.NLevels() != 3 {
		t.Errorf("levels = %d, want 3", m.NLevels())
	}
}

func TestGlobalCoarsenInvertsGlobalRefine(t *testing.T) {
	m, err := NewMesh(2, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.GlobalRefine(1); err != nil {
		t.Fatal(err)
	}
	coarse, err := m.GlobalCoarsen()
	if err != nil {
		t.Fatal(err)
	}
	if !coarse.IsSingleLevel() {
		t.Fatal("coarsened mesh should be single level")
	}
	if got := coarse.NActiveCells(); got != 6 {
		t.Errorf("active cells = %d, want 6", got)
	}
}

func TestGlobalCoarsenKeepsBlockedSiblings(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	// Refine one child deeper: its siblings cannot collapse while it
	// stays refined.
	child := m.Child(CellID{Level: 0, Index: 0}, 0)
	if err := m.Refine(child); err != nil {
		t.Fatal(err)
	}
	coarse, err := m.GlobalCoarsen()
	if err != nil {
		t.Fatal(err)
	}
	// The four grandchildren collapse into the child; the child's
	// siblings stay at level 1 because the child was refined.
	if got := coarse.NActiveCells(); got != 7 {
		t.Errorf("active cells = %d, want 7", got)
	}
	if !coarse.IsActive(child) {
		t.Error("deep child should have collapsed to level 1")
	}
	if !coarse.IsRefined(CellID{Level: 0, Index: 0}) {
		t.Error("root cell should still be refined")
	}
}

func TestLevelOwnerFollowsFirstChild(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	root := CellID{Level: 0, Index: 0}
	for o := 0; o < 4; o++ {
		if err := m.SetOwner(m.Child(root, o), o); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.LevelOwner(root); got != 0 {
		t.Errorf("level owner = %d, want owner of first child", got)
	}
}

func TestLocateCellDescendsToActive(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	cases := []struct {
		point [3]float64
		want  CellID
	}{
		{[3]float64{0.1, 0.1, 0}, m.Child(CellID{Level: 0, Index: 0}, 0)},
		{[3]float64{0.3, 0.4, 0}, m.Child(CellID{Level: 0, Index: 0}, 3)},
		{[3]float64{0.9, 0.1, 0}, CellID{Level: 0, Index: 1}},
		{[3]float64{0.6, 0.8, 0}, CellID{Level: 0, Index: 3}},
	}
	for _, tc := range cases {
		got, ok := m.LocateCell(tc.point)
		if !ok || got != tc.want {
			t.Errorf("point %v -> %+v (ok=%v), want %+v", tc.point, got, ok, tc.want)
		}
	}
	if _, ok := m.LocateCell([3]float64{1.5, 0, 0}); ok {
		t.Error("point outside the domain should not locate")
	}
}

func TestRefCoordsInsideUnitCell(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	c, ok := m.LocateCell([3]float64{0.2, 0.2, 0})
	if !ok {
		t.Fatal("point not located")
	}
	ref := m.RefCoords(c, [3]float64{0.2, 0.2, 0})
	for d := 0; d < 2; d++ {
		if ref[d] < 0 || ref[d] > 1 {
			t.Fatalf("reference coordinate %v outside the unit cell", ref)
		}
	}
}

func TestVertexKeySharedAcrossLevels(t *testing.T) {
	m := buildRefinedUnitSquare(t)
	root := CellID{Level: 0, Index: 0}
	// The far corner of child 3 coincides with the root cell's far
	// corner.
	child := m.Child(root, 3)
	if m.VertexKey(root, 3) != m.VertexKey(child, 3) {
		t.Error("coinciding corners should share a vertex key")
	}
	// The child's origin corner is the root cell's centre, no coarse
	// counterpart.
	if m.VertexKey(root, 0) == m.VertexKey(child, 0) {
		t.Error("distinct corners must not share a vertex key")
	}
}

func TestPartitionStrategies(t *testing.T) {
	for _, strategy := range []PartitionStrategy{BlockPartition, RoundRobin, SpaceFillingCurve} {
		t.Run(fmt.Sprintf("strategy %d", strategy), func(t *testing.T) {
			m, err := NewMesh(2, 4, 4)
			if err != nil {
				t.Fatal(err)
			}
			if err := m.GlobalRefine(1); err != nil {
				t.Fatal(err)
			}
			pb := &Partitioner{Mesh: m, NumRanks: 4, Strategy: strategy}
			if err := pb.Apply(); err != nil {
				t.Fatal(err)
			}
			stats := m.PartitionStatistics()
			if stats.MinCells == 0 {
				t.Errorf("strategy %d left a rank empty: %+v", strategy, stats)
			}
			if stats.Imbalance > 1.5 {
				t.Errorf("strategy %d imbalance %v too high", strategy, stats.Imbalance)
			}
			m.ActiveCells(func(c CellID) bool {
				if m.Owner(c) < 0 || m.Owner(c) >= 4 {
					t.Fatalf("cell %+v has invalid owner %d", c, m.Owner(c))
				}
				return true
			})
		})
	}
}

func TestSpaceFillingCurveKeepsSiblingsTogether(t *testing.T) {
	m, err := NewMesh(2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.GlobalRefine(1); err != nil {
		t.Fatal(err)
	}
	pb := &Partitioner{Mesh: m, NumRanks: 4, Strategy: SpaceFillingCurve}
	if err := pb.Apply(); err != nil {
		t.Fatal(err)
	}
	// With 16 cells on 4 ranks the Morton blocks are exactly the four
	// sibling groups.
	for rootIdx := int64(0); rootIdx < 4; rootIdx++ {
		root := CellID{Level: 0, Index: rootIdx}
		owner := m.Owner(m.Child(root, 0))
		for o := 1; o < 4; o++ {
			if m.Owner(m.Child(root, o)) != owner {
				t.Errorf("siblings of root %d split across ranks", rootIdx)
			}
		}
	}
}

func TestSameRoot(t *testing.T) {
	a, _ := NewMesh(2, 2, 2)
	b, _ := NewMesh(2, 2, 2)
	c, _ := NewMesh(2, 3, 2)
	if !a.SameRoot(b) {
		t.Error("identical root lattices reported different")
	}
	if a.SameRoot(c) {
		t.Error("different root lattices reported same")
	}
}
