package partitions

import (
	"context"
	"testing"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notargets/mgkernel/comm"
)

func runWorld(t *testing.T, size int, fn func(ctx context.Context, c *comm.Comm) error) {
	t.Helper()
	ctx := logger.WithLogger(context.Background(), zap.NewNop())
	require.NoError(t, comm.RunRanks(ctx, size, fn))
}

func TestIndexSetMergeAndQueries(t *testing.T) {
	s := NewIndexSet(100)
	s.AddRange(10, 20)
	s.AddRange(15, 25)
	s.AddIndex(30)
	s.AddRange(25, 26)

	require.EqualValues(t, 17, s.NElements())
	require.Equal(t, []Interval{{10, 26}, {30, 31}}, s.Intervals())

	require.True(t, s.Contains(10))
	require.True(t, s.Contains(25))
	require.True(t, s.Contains(30))
	require.False(t, s.Contains(26))
	require.False(t, s.Contains(9))

	require.EqualValues(t, 0, s.PositionOf(10))
	require.EqualValues(t, 15, s.PositionOf(25))
	require.EqualValues(t, 16, s.PositionOf(30))
	require.EqualValues(t, -1, s.PositionOf(29))

	g, err := s.NthIndex(16)
	require.NoError(t, err)
	require.EqualValues(t, 30, g)
	_, err = s.NthIndex(17)
	require.Error(t, err)
}

func TestIndexSetSubsetAndEqual(t *testing.T) {
	a := NewIndexSet(50)
	a.AddRange(5, 10)
	a.AddIndex(20)

	b := NewIndexSet(50)
	b.AddRange(0, 15)
	b.AddRange(18, 25)

	require.True(t, a.IsSubsetOf(b))
	require.False(t, b.IsSubsetOf(a))

	c := NewIndexSet(50)
	c.AddRange(5, 10)
	c.AddIndex(20)
	require.True(t, a.Equal(c))
	c.AddIndex(21)
	require.False(t, a.Equal(c))
}

// wrapPartitioner owns 4 consecutive indices per rank and ghosts the
// first owned index of each other rank.
func wrapPartitioner(c *comm.Comm) (*Partitioner, error) {
	begin := int64(4 * c.Rank())
	ghosts := NewIndexSet(int64(4 * c.Size()))
	for r := 0; r < c.Size(); r++ {
		if r != c.Rank() {
			ghosts.AddIndex(int64(4 * r))
		}
	}
	return NewPartitioner(c, begin, begin+4, int64(4*c.Size()), ghosts)
}

func TestPartitionerLayout(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *comm.Comm) error {
		p, err := wrapPartitioner(c)
		if err != nil {
			return err
		}
		if p.NOwned() != 4 || p.NGhosts() != 2 || p.LocalSize() != 6 {
			return errors.Errorf("layout %d/%d/%d", p.NOwned(), p.NGhosts(), p.LocalSize())
		}
		for g := int64(0); g < 12; g++ {
			if want := int(g / 4); p.OwnerOf(g) != want {
				return errors.Errorf("owner of %d = %d, want %d", g, p.OwnerOf(g), want)
			}
		}
		// Roundtrip every local slot.
		for local := int64(0); local < p.LocalSize(); local++ {
			g, err := p.LocalToGlobal(local)
			if err != nil {
				return err
			}
			back, ok := p.GlobalToLocal(g)
			if !ok || back != local {
				return errors.Errorf("local %d -> global %d -> %d", local, g, back)
			}
		}
		return p.VerifySymmetry()
	})
}

func TestPartitionerRejectsBrokenRanges(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		// Rank 1 leaves a hole at index 4.
		begin := int64(0)
		end := int64(4)
		if c.Rank() == 1 {
			begin, end = 5, 8
		}
		_, err := NewPartitioner(c, begin, end, 8, nil)
		if err == nil {
			return errors.New("gap in owned ranges not detected")
		}
		return nil
	})
}

func TestVectorUpdateGhosts(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *comm.Comm) error {
		p, err := wrapPartitioner(c)
		if err != nil {
			return err
		}
		v := NewVector(p)
		for i := int64(0); i < p.NOwned(); i++ {
			g, _ := p.LocalToGlobal(i)
			v.SetLocal(i, float64(g))
		}
		if _, err := v.Local(p.NOwned()); err == nil {
			return errors.New("stale ghost read not rejected")
		}
		if err := v.UpdateGhosts(0); err != nil {
			return err
		}
		for local := p.NOwned(); local < p.LocalSize(); local++ {
			g, _ := p.LocalToGlobal(local)
			x, err := v.Local(local)
			if err != nil {
				return err
			}
			if x != float64(g) {
				return errors.Errorf("ghost slot %d = %v, want %v", local, x, float64(g))
			}
		}
		return nil
	})
}

func TestVectorCompressAdd(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *comm.Comm) error {
		p, err := wrapPartitioner(c)
		if err != nil {
			return err
		}
		v := NewVector(p)
		for i := int64(0); i < p.NOwned(); i++ {
			v.SetLocal(i, 10)
		}
		for local := p.NOwned(); local < p.LocalSize(); local++ {
			v.SetLocal(local, 1)
		}
		if err := v.CompressAdd(0); err != nil {
			return err
		}
		// Every rank's first owned index is ghosted by the two other
		// ranks.
		for i := int64(0); i < p.NOwned(); i++ {
			want := 10.0
			if i == 0 {
				want = 12.0
			}
			x, _ := v.Local(i)
			if x != want {
				return errors.Errorf("owned slot %d = %v, want %v", i, x, want)
			}
		}
		for local := p.NOwned(); local < p.LocalSize(); local++ {
			if v.Data()[local] != 0 {
				return errors.New("compression left ghost values behind")
			}
		}
		return nil
	})
}

func TestVectorExchangeStateMachine(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		p, err := wrapPartitioner(c)
		if err != nil {
			return err
		}
		v := NewVector(p)
		if err := v.UpdateGhostsStart(0); err != nil {
			return err
		}
		if err := v.UpdateGhostsStart(1); err == nil {
			return errors.New("second start while in flight not rejected")
		}
		if err := v.CompressAddFinish(); err == nil {
			return errors.New("mismatched finish not rejected")
		}
		if err := v.UpdateGhostsFinish(); err != nil {
			return err
		}
		if err := v.UpdateGhosts(MaxChannels); err == nil {
			return errors.New("channel bound not enforced")
		}
		return nil
	})
}

func TestEmbeddedPartitionerExchangesSubset(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *comm.Comm) error {
		host, err := wrapPartitioner(c)
		if err != nil {
			return err
		}
		// The sub-partitioner only needs the ghost owned by the next
		// rank.
		sub := NewIndexSet(host.GlobalSize())
		sub.AddIndex(int64(4 * ((c.Rank() + 1) % c.Size())))
		subPart, err := NewPartitioner(c, int64(4*c.Rank()), int64(4*c.Rank()+4), host.GlobalSize(), sub)
		if err != nil {
			return err
		}
		if !subPart.IsContainedWithin(host) {
			return errors.New("subset partitioner not contained in host")
		}
		if host.IsContainedWithin(subPart) {
			return errors.New("host cannot be contained in the subset")
		}

		emb, err := subPart.NewEmbeddedPartitioner(host)
		if err != nil {
			return err
		}
		if emb.LocalSize() != host.LocalSize() {
			return errors.Errorf("embedded layout %d, want host layout %d", emb.LocalSize(), host.LocalSize())
		}

		v := NewVector(emb)
		for i := int64(0); i < emb.NOwned(); i++ {
			g, _ := emb.LocalToGlobal(i)
			v.SetLocal(i, float64(g))
		}
		if err := v.UpdateGhosts(0); err != nil {
			return err
		}
		// Only the subset ghost got a value; the other host slot
		// stayed zero.
		wantGlobal := int64(4 * ((c.Rank() + 1) % c.Size()))
		for local := emb.NOwned(); local < emb.LocalSize(); local++ {
			g, _ := emb.LocalToGlobal(local)
			want := 0.0
			if g == wantGlobal {
				want = float64(g)
			}
			if v.Data()[local] != want {
				return errors.Errorf("slot for global %d = %v, want %v", g, v.Data()[local], want)
			}
		}
		return nil
	})
}

func TestVectorNorms(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		p, err := NewPartitioner(c, int64(2*c.Rank()), int64(2*c.Rank()+2), 4, nil)
		if err != nil {
			return err
		}
		v := NewVector(p)
		for i := int64(0); i < 2; i++ {
			v.SetLocal(i, 1)
		}
		if got := v.L2Norm(); got != 2 {
			return errors.Errorf("norm = %v, want 2", got)
		}
		w := NewVector(p)
		if err := w.CopyOwnedFrom(v); err != nil {
			return err
		}
		w.SetLocal(0, 3)
		d, err := v.MaxDiff(w)
		if err != nil {
			return err
		}
		if d != 2 {
			return errors.Errorf("max diff = %v, want 2", d)
		}
		return nil
	})
}
