package dofs

import (
	"context"
	"math"
	"testing"

	"github.com/outofforest/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/element"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
)

func runWorld(t *testing.T, size int, fn func(ctx context.Context, c *comm.Comm) error) {
	t.Helper()
	ctx := logger.WithLogger(context.Background(), zap.NewNop())
	require.NoError(t, comm.RunRanks(ctx, size, fn))
}

// refinedStripMesh is a 2x1 root with the left cell refined once: one
// hanging edge between the left children and the right cell.
func refinedStripMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	m, err := mesh.NewMesh(2, 2, 1)
	require.NoError(t, err)
	require.NoError(t, m.Refine(mesh.CellID{Level: 0, Index: 0}))
	return m
}

func stripOwners(t *testing.T, m *mesh.Mesh, fineRank, coarseRank int) {
	t.Helper()
	a := mesh.CellID{Level: 0, Index: 0}
	for o := 0; o < m.NChildren(); o++ {
		require.NoError(t, m.SetOwner(m.Child(a, o), fineRank))
	}
	require.NoError(t, m.SetOwner(mesh.CellID{Level: 0, Index: 1}, coarseRank))
}

func TestActiveHandlerLinearCounts(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 2, 2)
		require.NoError(t, err)
		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		require.EqualValues(t, 9, h.NDoFs())

		// The center vertex is one DoF seen by all four cells.
		cell := func(x, y int64) mesh.CellID {
			return m.CellAt(0, [3]int64{x, y, 0})
		}
		list := func(c mesh.CellID) []int64 {
			l, ok := h.CellDoFs(c)
			require.True(t, ok)
			require.Len(t, l, 4)
			return l
		}
		center := list(cell(0, 0))[3]
		require.Equal(t, center, list(cell(1, 0))[2])
		require.Equal(t, center, list(cell(0, 1))[1])
		require.Equal(t, center, list(cell(1, 1))[0])
		return nil
	})
}

func TestActiveHandlerQuadraticSharing(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 2, 1)
		require.NoError(t, err)
		elem, err := element.NewQ(2, 2, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		// Two 9-DoF cells share an edge: two vertices and one edge DoF.
		require.EqualValues(t, 15, h.NDoFs())
		return nil
	})
}

func TestNumberingAgreesAcrossRanks(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 4, 1)
		if err != nil {
			return err
		}
		for i := int64(0); i < 4; i++ {
			if err := m.SetOwner(mesh.CellID{Level: 0, Index: i}, int(i/2)); err != nil {
				return err
			}
		}
		elem, err := element.NewQ(2, 1, 1)
		if err != nil {
			return err
		}
		h, err := NewActiveHandler(c, m, elem)
		if err != nil {
			return err
		}

		totals := c.AllgatherInt64(h.NDoFs())
		require.Equal(t, totals[0], totals[1])

		p, err := h.NewPartitioner(nil)
		if err != nil {
			return err
		}
		return p.VerifySymmetry()
	})
}

func TestRetainedNeighborLists(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 4, 1)
		require.NoError(t, err)
		for i := int64(0); i < 4; i++ {
			require.NoError(t, m.SetOwner(mesh.CellID{Level: 0, Index: i}, int(i/2)))
		}
		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		near := mesh.CellID{Level: 0, Index: 2}
		far := mesh.CellID{Level: 0, Index: 3}
		if c.Rank() == 1 {
			near = mesh.CellID{Level: 0, Index: 1}
			far = mesh.CellID{Level: 0, Index: 0}
		}
		_, ok := h.CellDoFs(near)
		require.True(t, ok)
		_, ok = h.CellDoFs(far)
		require.False(t, ok)

		// Ghost DoFs all live on the other rank.
		other := 1 - c.Rank()
		h.GhostDoFs().Each(func(g int64) bool {
			require.Equal(t, other, h.DoFOwner(g))
			return true
		})
		return nil
	})
}

func TestVectorGhostExchangeOverHandler(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 4, 1)
		if err != nil {
			return err
		}
		for i := int64(0); i < 4; i++ {
			if err := m.SetOwner(mesh.CellID{Level: 0, Index: i}, int(i/2)); err != nil {
				return err
			}
		}
		elem, err := element.NewQ(2, 1, 1)
		if err != nil {
			return err
		}
		h, err := NewActiveHandler(c, m, elem)
		if err != nil {
			return err
		}
		p, err := h.NewPartitioner(nil)
		if err != nil {
			return err
		}
		v := partitions.NewVector(p)
		begin, end := h.OwnedRange()
		for g := begin; g < end; g++ {
			if err := v.SetGlobal(g, float64(g)); err != nil {
				return err
			}
		}
		if err := v.UpdateGhosts(0); err != nil {
			return err
		}
		failed := false
		h.GhostDoFs().Each(func(g int64) bool {
			x, err := v.Global(g)
			if err != nil || math.Abs(x-float64(g)) > 1e-14 {
				failed = true
				return false
			}
			return true
		})
		require.False(t, failed)
		return nil
	})
}

func TestLevelHandlerOwnershipAndCounts(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		stripOwners(t, m, 0, 1)
		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)

		h0, err := NewLevelHandler(c, m, elem, 0)
		require.NoError(t, err)
		h1, err := NewLevelHandler(c, m, elem, 1)
		require.NoError(t, err)

		// Level 0 holds both root cells, level 1 the four children.
		require.EqualValues(t, 6, h0.NDoFs())
		require.EqualValues(t, 9, h1.NDoFs())

		// The refined root cell follows its first child's owner, so
		// the shared edge DoFs land on rank 0.
		b0, e0 := h0.OwnedRange()
		if c.Rank() == 0 {
			require.EqualValues(t, 4, e0-b0)
		} else {
			require.EqualValues(t, 2, e0-b0)
		}

		b1, e1 := h1.OwnedRange()
		if c.Rank() == 0 {
			require.EqualValues(t, 9, e1-b1)
		} else {
			require.EqualValues(t, 0, e1-b1)
		}
		return nil
	})
}

func TestActiveHandlerWithHangingEdgeCounts(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		// Nine child-grid vertices plus the right cell's two outer
		// corners; the hanging vertex stays a distinct DoF.
		require.EqualValues(t, 11, h.NDoFs())
		return nil
	})
}

func TestHangingNodeConstraintsLinear(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		cs, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.Equal(t, 1, cs.NLines())

		a := mesh.CellID{Level: 0, Index: 0}
		lowRight, ok := h.CellDoFs(m.Child(a, 1))
		require.True(t, ok)
		hanging := lowRight[3]
		entries, ok := cs.Entries(hanging)
		require.True(t, ok)
		require.Len(t, entries, 2)

		coarse, ok := h.CellDoFs(mesh.CellID{Level: 0, Index: 1})
		require.True(t, ok)
		masters := map[int64]bool{coarse[0]: true, coarse[2]: true}
		for _, e := range entries {
			require.True(t, masters[e.DoF])
			require.InDelta(t, 0.5, e.Weight, 1e-14)
		}
		return nil
	})
}

func TestHangingNodeConstraintsQuadratic(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		elem, err := element.NewQ(2, 2, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		cs, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.Equal(t, 3, cs.NLines())

		lexToHier := elem.LexicographicToHierarchic()
		coarse, ok := h.CellDoFs(mesh.CellID{Level: 0, Index: 1})
		require.True(t, ok)
		masterBottom := coarse[lexToHier[0]]
		masterMid := coarse[lexToHier[3]]
		masterTop := coarse[lexToHier[6]]

		a := mesh.CellID{Level: 0, Index: 0}
		lowRight, ok := h.CellDoFs(m.Child(a, 1))
		require.True(t, ok)

		// The hanging vertex coincides with the coarse edge midpoint
		// node and collapses to a single master.
		vert := lowRight[lexToHier[8]]
		entries, ok := cs.Entries(vert)
		require.True(t, ok)
		require.Len(t, entries, 1)
		require.Equal(t, masterMid, entries[0].DoF)
		require.InDelta(t, 1.0, entries[0].Weight, 1e-14)

		// The lower quarter point interpolates the full coarse edge.
		quarter := lowRight[lexToHier[5]]
		entries, ok = cs.Entries(quarter)
		require.True(t, ok)
		want := map[int64]float64{masterBottom: 0.375, masterMid: 0.75, masterTop: -0.125}
		require.Len(t, entries, len(want))
		for _, e := range entries {
			require.InDelta(t, want[e.DoF], e.Weight, 1e-13)
		}
		return nil
	})
}

func TestCloseResolvesChains(t *testing.T) {
	cs := NewConstraints()
	cs.Constrain(10, []Entry{{DoF: 5, Weight: 0.5}, {DoF: 3, Weight: 0.5}})
	cs.Constrain(5, []Entry{{DoF: 1, Weight: 0.5}, {DoF: 2, Weight: 0.5}})
	require.NoError(t, cs.Close())

	entries, ok := cs.Entries(10)
	require.True(t, ok)
	want := map[int64]float64{1: 0.25, 2: 0.25, 3: 0.5}
	require.Len(t, entries, len(want))
	for _, e := range entries {
		require.InDelta(t, want[e.DoF], e.Weight, 1e-14)
	}
}

func TestCloseRejectsCycles(t *testing.T) {
	cs := NewConstraints()
	cs.Constrain(1, []Entry{{DoF: 2, Weight: 1}})
	cs.Constrain(2, []Entry{{DoF: 1, Weight: 1}})
	require.Error(t, cs.Close())
}

func TestHangingFacesMatchConstraintLines(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		elem, err := element.NewQ(2, 2, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)
		cs, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)

		a := mesh.CellID{Level: 0, Index: 0}
		fine := m.Child(a, 1)
		faces, err := h.HangingFaces(fine)
		require.NoError(t, err)
		require.Len(t, faces, 1)
		require.Equal(t, 1, faces[0].Face)
		require.Equal(t, 0, faces[0].Subface)

		// Interpolating the masters with the subface matrix must
		// reproduce every constraint line of the fine face.
		p, err := elem.Prolongation1D(faces[0].Subface)
		require.NoError(t, err)
		lexToHier := elem.LexicographicToHierarchic()
		fineList, ok := h.CellDoFs(fine)
		require.True(t, ok)
		finePos := faceLexPositions(elem, 1)
		for i := 0; i <= elem.Degree; i++ {
			dof := fineList[lexToHier[finePos[i]]]
			entries, constrained := cs.Entries(dof)
			if !constrained {
				continue
			}
			got := map[int64]float64{}
			for j := 0; j <= elem.Degree; j++ {
				if w := p.At(i, j); math.Abs(w) > 1e-12 {
					got[faces[0].Masters[j]] += w
				}
			}
			require.Len(t, entries, len(got))
			for _, e := range entries {
				require.InDelta(t, got[e.DoF], e.Weight, 1e-13)
			}
		}

		// The sibling not bordering the coarse cell reports nothing.
		faces, err = h.HangingFaces(m.Child(a, 0))
		require.NoError(t, err)
		require.Empty(t, faces)
		return nil
	})
}

func TestDiscontinuousSpaceHasNoConstraints(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m := refinedStripMesh(t)
		elem, err := element.NewDGQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)
		cs, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.Equal(t, 0, cs.NLines())
		require.True(t, cs.HangingOnly())
		return nil
	})
}

func TestMixedDegreeHandlerDiscontinuousOnly(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 2, 1)
		require.NoError(t, err)

		q1, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		q2, err := element.NewQ(2, 2, 1)
		require.NoError(t, err)
		_, err = NewActiveHPHandler(c, m, []*element.Element{q1, q2}, func(c mesh.CellID) int {
			return int(c.Index)
		})
		require.Error(t, err)

		d1, err := element.NewDGQ(2, 1, 1)
		require.NoError(t, err)
		d2, err := element.NewDGQ(2, 2, 1)
		require.NoError(t, err)
		h, err := NewActiveHPHandler(c, m, []*element.Element{d1, d2}, func(c mesh.CellID) int {
			return int(c.Index)
		})
		require.NoError(t, err)

		require.EqualValues(t, 4+9, h.NDoFs())
		first, ok := h.CellDoFs(mesh.CellID{Level: 0, Index: 0})
		require.True(t, ok)
		require.Len(t, first, 4)
		second, ok := h.CellDoFs(mesh.CellID{Level: 0, Index: 1})
		require.True(t, ok)
		require.Len(t, second, 9)
		fe, ok := h.FEIndex(mesh.CellID{Level: 0, Index: 1})
		require.True(t, ok)
		require.Equal(t, 1, fe)
		return nil
	})
}

func TestComponentsInterleaved(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 1, 1)
		require.NoError(t, err)
		elem, err := element.NewQ(2, 1, 2)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)

		require.EqualValues(t, 8, h.NDoFs())
		list, ok := h.CellDoFs(mesh.CellID{Level: 0, Index: 0})
		require.True(t, ok)
		require.Len(t, list, 8)
		for hier := 0; hier < 4; hier++ {
			require.Equal(t, list[2*hier]+1, list[2*hier+1])
		}
		return nil
	})
}

func TestFastHangingNodeEligibility(t *testing.T) {
	runWorld(t, 1, func(ctx context.Context, c *comm.Comm) error {
		m, err := mesh.NewMesh(2, 2, 1)
		require.NoError(t, err)
		require.NoError(t, m.Refine(mesh.CellID{Level: 0, Index: 0}))

		elem, err := element.NewQ(2, 1, 1)
		require.NoError(t, err)
		h, err := NewActiveHandler(c, m, elem)
		require.NoError(t, err)
		cs, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.Positive(t, cs.NLines())
		require.True(t, h.FastHangingNodeEligible(cs))

		// A user line on top of the hanging set forces general
		// expansion.
		mixed, err := h.MakeHangingNodeConstraints()
		require.NoError(t, err)
		taken := map[int64]bool{}
		for _, d := range mixed.ConstrainedDoFs() {
			taken[d] = true
		}
		var free int64
		for taken[free] {
			free++
		}
		mixed.ConstrainUser(free, []Entry{{DoF: free + 1, Weight: 0.5}})
		require.False(t, h.FastHangingNodeEligible(mixed))

		flat, err := mesh.NewMesh(2, 2, 1)
		require.NoError(t, err)
		dg, err := element.NewDGQ(2, 1, 1)
		require.NoError(t, err)
		hd, err := NewActiveHandler(c, flat, dg)
		require.NoError(t, err)
		csd, err := hd.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.Zero(t, csd.NLines())
		require.False(t, hd.FastHangingNodeEligible(csd))

		d2, err := element.NewDGQ(2, 2, 1)
		require.NoError(t, err)
		hp, err := NewActiveHPHandler(c, flat, []*element.Element{dg, d2}, func(cell mesh.CellID) int {
			return int(cell.Index)
		})
		require.NoError(t, err)
		csp, err := hp.MakeHangingNodeConstraints()
		require.NoError(t, err)
		require.False(t, hp.FastHangingNodeEligible(csp))
		return nil
	})
}
