package element

import (
	"fmt"
	"math"
	"testing"
)

// polyEval evaluates sum_k coeff[k] * x^k.
func polyEval(coeff []float64, x float64) float64 {
	v := 0.0
	for k := len(coeff) - 1; k >= 0; k-- {
		v = v*x + coeff[k]
	}
	return v
}

func TestGaussLegendreIntegratesMonomials(t *testing.T) {
	tol := 1e-12
	for n := 1; n <= 8; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			x, w, err := GaussLegendre(n)
			if err != nil {
				t.Fatalf("quadrature failed: %v", err)
			}
			// Exact for degree up to 2n-1 on [0,1].
			for k := 0; k <= 2*n-1; k++ {
				sum := 0.0
				for q := range x {
					sum += w[q] * math.Pow(x[q], float64(k))
				}
				exact := 1.0 / float64(k+1)
				if math.Abs(sum-exact) > tol {
					t.Errorf("x^%d: got %v, want %v", k, sum, exact)
				}
			}
		})
	}
}

func TestLobattoNodes(t *testing.T) {
	t.Run("degree 0", func(t *testing.T) {
		nodes, err := LobattoNodes(0)
		if err != nil {
			t.Fatal(err)
		}
		if len(nodes) != 1 || math.Abs(nodes[0]-0.5) > 1e-14 {
			t.Errorf("want single midpoint node, got %v", nodes)
		}
	})
	for deg := 1; deg <= 7; deg++ {
		t.Run(fmt.Sprintf("degree %d", deg), func(t *testing.T) {
			nodes, err := LobattoNodes(deg)
			if err != nil {
				t.Fatal(err)
			}
			if len(nodes) != deg+1 {
				t.Fatalf("want %d nodes, got %d", deg+1, len(nodes))
			}
			if math.Abs(nodes[0]) > 1e-14 || math.Abs(nodes[deg]-1) > 1e-14 {
				t.Errorf("endpoints not included: %v", nodes)
			}
			for i := 0; i <= deg; i++ {
				if math.Abs(nodes[i]+nodes[deg-i]-1) > 1e-12 {
					t.Errorf("nodes not symmetric about 0.5: %v", nodes)
				}
				if i > 0 && nodes[i] <= nodes[i-1] {
					t.Errorf("nodes not increasing: %v", nodes)
				}
			}
		})
	}
}

func TestBasisCardinalProperty(t *testing.T) {
	for deg := 0; deg <= 6; deg++ {
		t.Run(fmt.Sprintf("degree %d", deg), func(t *testing.T) {
			b, err := NewBasis1D(deg)
			if err != nil {
				t.Fatal(err)
			}
			vals := make([]float64, b.NumNodes())
			for i, xi := range b.Nodes {
				b.EvalAll(xi, vals)
				for j := range vals {
					want := 0.0
					if i == j {
						want = 1.0
					}
					if math.Abs(vals[j]-want) > 1e-10 {
						t.Errorf("l_%d(x_%d) = %v, want %v", j, i, vals[j], want)
					}
				}
			}
		})
	}
}

func TestBasisReproducesPolynomials(t *testing.T) {
	for deg := 1; deg <= 6; deg++ {
		t.Run(fmt.Sprintf("degree %d", deg), func(t *testing.T) {
			b, err := NewBasis1D(deg)
			if err != nil {
				t.Fatal(err)
			}
			coeff := make([]float64, deg+1)
			for k := range coeff {
				coeff[k] = 1.0 / float64(k+1)
			}
			vals := make([]float64, b.NumNodes())
			for _, x := range []float64{0, 0.137, 0.5, 0.789, 1} {
				b.EvalAll(x, vals)
				got := 0.0
				for j, xj := range b.Nodes {
					got += vals[j] * polyEval(coeff, xj)
				}
				want := polyEval(coeff, x)
				if math.Abs(got-want) > 1e-10 {
					t.Errorf("x=%v: interpolant %v, want %v", x, got, want)
				}
			}
		})
	}
}

func TestProlongation1DExactOnPolynomials(t *testing.T) {
	for deg := 1; deg <= 5; deg++ {
		e, err := NewQ(1, deg, 1)
		if err != nil {
			t.Fatal(err)
		}
		coeff := make([]float64, deg+1)
		for k := range coeff {
			coeff[k] = float64(k) + 0.5
		}
		for child := 0; child < 2; child++ {
			p, err := e.Prolongation1D(child)
			if err != nil {
				t.Fatal(err)
			}
			for i, xi := range e.Basis.Nodes {
				got := 0.0
				for j, xj := range e.Basis.Nodes {
					got += p.At(i, j) * polyEval(coeff, xj)
				}
				want := polyEval(coeff, childMap(child, xi))
				if math.Abs(got-want) > 1e-10 {
					t.Errorf("deg %d child %d node %d: got %v, want %v", deg, child, i, got, want)
				}
			}
		}
	}
}

// Interpolatory restriction of a continuous element recovers every
// parent node from the children once the duplicated midpoint row is
// counted a single time.
func TestRestrictionInterpolationRecoversParentNodes(t *testing.T) {
	for deg := 1; deg <= 4; deg++ {
		e, err := NewQ(1, deg, 1)
		if err != nil {
			t.Fatal(err)
		}
		n := deg + 1
		covered := make([]int, n)
		for child := 0; child < 2; child++ {
			r, err := e.Restriction1D(child)
			if err != nil {
				t.Fatal(err)
			}
			p, _ := e.Prolongation1D(child)
			for i := 0; i < n; i++ {
				rowSum := 0.0
				for j := 0; j < n; j++ {
					rowSum += r.At(i, j)
				}
				if rowSum == 0 {
					continue
				}
				covered[i]++
				// Row must pick child values that reproduce the parent
				// node value: R_c * P_c acts as identity on that row.
				for j := 0; j < n; j++ {
					acc := 0.0
					for k := 0; k < n; k++ {
						acc += r.At(i, k) * p.At(k, j)
					}
					want := 0.0
					if i == j {
						want = 1.0
					}
					if math.Abs(acc-want) > 1e-10 {
						t.Errorf("deg %d child %d: (R P)[%d,%d] = %v, want %v", deg, child, i, j, acc, want)
					}
				}
			}
		}
		for i, c := range covered {
			if c == 0 {
				t.Errorf("deg %d: parent node %d not covered by any child", deg, i)
			}
		}
		// The parent midpoint lies on both children for even degree
		// counts; downstream merging keeps exactly one contribution.
		if covered[0] != 1 || covered[deg] != 1 {
			t.Errorf("deg %d: endpoints covered %v times", deg, covered)
		}
	}
}

// L2 restriction of a discontinuous element is additive: the child
// contributions of the embedded parent polynomial sum to the identity.
func TestRestrictionL2SumsToIdentity(t *testing.T) {
	for deg := 0; deg <= 4; deg++ {
		e, err := NewDGQ(1, deg, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !e.RestrictionIsAdditive() {
			t.Fatal("discontinuous restriction must be additive")
		}
		n := deg + 1
		sum := make([]float64, n*n)
		for child := 0; child < 2; child++ {
			r, err := e.Restriction1D(child)
			if err != nil {
				t.Fatal(err)
			}
			p, _ := e.Prolongation1D(child)
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					acc := 0.0
					for k := 0; k < n; k++ {
						acc += r.At(i, k) * p.At(k, j)
					}
					sum[i*n+j] += acc
				}
			}
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				if math.Abs(sum[i*n+j]-want) > 1e-10 {
					t.Errorf("deg %d: sum_c (R_c P_c)[%d,%d] = %v, want %v", deg, i, j, sum[i*n+j], want)
				}
			}
		}
	}
}

func TestHierarchicNumberingQ2InTwoDimensions(t *testing.T) {
	e, err := NewQ(2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Lexicographic layout for degree 2:
	//   6 7 8
	//   3 4 5
	//   0 1 2
	// Hierarchic: 4 vertices, then edges (x-direction pair first),
	// then the centre.
	wantHier := []int{0, 4, 1, 6, 8, 7, 2, 5, 3}
	got := e.LexicographicToHierarchic()
	for lex, h := range wantHier {
		if got[lex] != h {
			t.Errorf("lex %d: hier %d, want %d (full map %v)", lex, got[lex], h, got)
		}
	}
	inv := e.HierarchicToLexicographic()
	for lex := range got {
		if inv[got[lex]] != lex {
			t.Errorf("numbering maps are not inverse at lex %d", lex)
		}
	}
}

func TestEntityClassificationCounts(t *testing.T) {
	cases := []struct {
		dim, deg                          int
		vertices, edges, faces, interior int
	}{
		{1, 3, 2, 0, 0, 2},
		{2, 2, 4, 4, 0, 1},
		{2, 3, 4, 8, 0, 4},
		{3, 2, 8, 12, 6, 1},
		{3, 3, 8, 24, 24, 8},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("dim=%d deg=%d", tc.dim, tc.deg), func(t *testing.T) {
			e, err := NewQ(tc.dim, tc.deg, 1)
			if err != nil {
				t.Fatal(err)
			}
			counts := map[EntityKind]int{}
			for lex := 0; lex < e.NDoFsPerCellScalar(); lex++ {
				counts[e.Entity(lex).Kind]++
			}
			if counts[EntityVertex] != tc.vertices || counts[EntityEdge] != tc.edges ||
				counts[EntityFace] != tc.faces || counts[EntityInterior] != tc.interior {
				t.Errorf("counts %v, want v=%d e=%d f=%d i=%d",
					counts, tc.vertices, tc.edges, tc.faces, tc.interior)
			}
		})
	}
}

func TestDiscontinuousNumberingIsLexicographic(t *testing.T) {
	e, err := NewDGQ(2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	for lex, h := range e.LexicographicToHierarchic() {
		if h != lex {
			t.Fatalf("discontinuous numbering must be the identity, got %d -> %d", lex, h)
		}
	}
	for lex := 0; lex < e.NDoFsPerCellScalar(); lex++ {
		if e.Entity(lex).Kind != EntityInterior {
			t.Fatalf("discontinuous position %d classified as %v", lex, e.Entity(lex).Kind)
		}
	}
}

func TestTransferRenumberingWithComponents(t *testing.T) {
	e, err := NewQ(2, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	renum := e.TransferRenumbering()
	if len(renum) != e.NDoFsPerCell() {
		t.Fatalf("renumbering length %d, want %d", len(renum), e.NDoFsPerCell())
	}
	seen := make([]bool, len(renum))
	for _, r := range renum {
		if r < 0 || r >= len(renum) || seen[r] {
			t.Fatalf("renumbering is not a permutation: %v", renum)
		}
		seen[r] = true
	}
	// For a linear element both numberings agree, so slot (c, lex)
	// must address cell position lex*2+c.
	ns := e.NDoFsPerCellScalar()
	for c := 0; c < 2; c++ {
		for lex := 0; lex < ns; lex++ {
			if renum[c*ns+lex] != lex*2+c {
				t.Errorf("slot (c=%d, lex=%d) -> %d, want %d", c, lex, renum[c*ns+lex], lex*2+c)
			}
		}
	}
}

func TestChildProlongationNDBilinearExactness(t *testing.T) {
	e, err := NewQ(2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	f := func(x, y float64) float64 { return 2 + 3*x - y + 0.5*x*y }
	parent := make([]float64, 4)
	for lex := 0; lex < 4; lex++ {
		pt := e.SupportPoint(lex)
		parent[lex] = f(pt[0], pt[1])
	}
	for octant := 0; octant < 4; octant++ {
		p, err := e.ChildProlongationND(octant)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 4; i++ {
			got := 0.0
			for j := 0; j < 4; j++ {
				got += p.At(i, j) * parent[j]
			}
			pt := e.SupportPoint(i)
			x := childMap(octant&1, pt[0])
			y := childMap((octant>>1)&1, pt[1])
			want := f(x, y)
			if math.Abs(got-want) > 1e-12 {
				t.Errorf("octant %d node %d: got %v, want %v", octant, i, got, want)
			}
		}
	}
}

func TestProjectionBetweenDegrees(t *testing.T) {
	b2, err := NewBasis1D(2)
	if err != nil {
		t.Fatal(err)
	}
	b4, err := NewBasis1D(4)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("raise degree", func(t *testing.T) {
		gp, err := NewProjection(b2, b4)
		if err != nil {
			t.Fatal(err)
		}
		src := make([]float64, b2.NumNodes())
		for j, x := range b2.Nodes {
			src[j] = 1 - 2*x + 3*x*x
		}
		out, err := gp.Apply(src)
		if err != nil {
			t.Fatal(err)
		}
		for i, x := range b4.Nodes {
			want := 1 - 2*x + 3*x*x
			if math.Abs(out[i]-want) > 1e-10 {
				t.Errorf("node %d: got %v, want %v", i, out[i], want)
			}
		}
	})

	t.Run("lower degree keeps low modes", func(t *testing.T) {
		gp, err := NewProjection(b4, b2)
		if err != nil {
			t.Fatal(err)
		}
		src := make([]float64, b4.NumNodes())
		for j, x := range b4.Nodes {
			src[j] = 0.25 + x*x
		}
		out, err := gp.Apply(src)
		if err != nil {
			t.Fatal(err)
		}
		for i, x := range b2.Nodes {
			want := 0.25 + x*x
			if math.Abs(out[i]-want) > 1e-10 {
				t.Errorf("node %d: got %v, want %v", i, out[i], want)
			}
		}
	})

	t.Run("constant through degree pair", func(t *testing.T) {
		m, err := ProjectionMatrix1D(b2, b4)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < b4.NumNodes(); i++ {
			rowSum := 0.0
			for j := 0; j < b2.NumNodes(); j++ {
				rowSum += m[i*b2.NumNodes()+j]
			}
			if math.Abs(rowSum-1) > 1e-10 {
				t.Errorf("row %d of projection does not preserve constants: %v", i, rowSum)
			}
		}
	})
}

func TestMassMatrixSymmetricPositive(t *testing.T) {
	for deg := 0; deg <= 5; deg++ {
		b, err := NewBasis1D(deg)
		if err != nil {
			t.Fatal(err)
		}
		m, err := b.MassMatrix()
		if err != nil {
			t.Fatal(err)
		}
		n := b.NumNodes()
		total := 0.0
		for i := 0; i < n; i++ {
			if m.At(i, i) <= 0 {
				t.Errorf("deg %d: diagonal entry %d not positive", deg, i)
			}
			for j := 0; j < n; j++ {
				if math.Abs(m.At(i, j)-m.At(j, i)) > 1e-12 {
					t.Errorf("deg %d: mass matrix not symmetric at (%d,%d)", deg, i, j)
				}
				total += m.At(i, j)
			}
		}
		// Entries of the mass matrix sum to the cell measure.
		if math.Abs(total-1) > 1e-10 {
			t.Errorf("deg %d: mass matrix total %v, want 1", deg, total)
		}
	}
}
