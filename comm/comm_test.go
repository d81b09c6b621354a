package comm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// runWorld drives fn on every rank of a fresh world and fails the test
// on error.
func runWorld(t *testing.T, size int, fn func(ctx context.Context, c *Comm) error) {
	t.Helper()
	ctx := logger.WithLogger(context.Background(), zap.NewNop())
	require.NoError(t, RunRanks(ctx, size, fn))
}

func TestSendRecvRoundtrip(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *Comm) error {
		switch c.Rank() {
		case 0:
			req := c.Isend(1, TagUser, []byte("payload"))
			c.WaitAll([]*Request{req})
		case 1:
			src, n := c.Probe(0, TagUser)
			if src != 0 || n != 7 {
				return errors.Errorf("probe gave src=%d n=%d", src, n)
			}
			_, payload := c.Recv(0, TagUser)
			if string(payload) != "payload" {
				return errors.Errorf("unexpected payload %q", payload)
			}
		}
		return nil
	})
}

func TestSendBufferReusableAfterIsend(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 0 {
			buf := []byte{1, 2, 3}
			c.Isend(1, TagUser, buf)
			buf[0] = 99
			return nil
		}
		_, payload := c.Recv(0, TagUser)
		if payload[0] != 1 {
			return errors.Errorf("payload mutated after send: %v", payload)
		}
		return nil
	})
}

func TestProbeAnySource(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *Comm) error {
		if c.Rank() != 0 {
			c.Isend(0, TagUser, Int64sToBytes([]int64{int64(c.Rank())}))
			return nil
		}
		seen := map[int]bool{}
		for i := 0; i < 2; i++ {
			src, _ := c.Probe(AnySource, TagUser)
			gotSrc, payload := c.Recv(src, TagUser)
			vals := BytesToInt64s(payload)
			if gotSrc != src || int(vals[0]) != src {
				return errors.Errorf("message from %d carries %v", gotSrc, vals)
			}
			seen[src] = true
		}
		if !seen[1] || !seen[2] {
			return errors.Errorf("sources seen: %v", seen)
		}
		return nil
	})
}

func TestTagsKeepStreamsSeparate(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 0 {
			c.Isend(1, TagUser, []byte{1})
			c.Isend(1, TagUser+1, []byte{2})
			return nil
		}
		// Receive in reverse arrival order via tags.
		_, second := c.Recv(0, TagUser+1)
		_, first := c.Recv(0, TagUser)
		if first[0] != 1 || second[0] != 2 {
			return errors.Errorf("tag streams mixed: %v %v", first, second)
		}
		return nil
	})
}

func TestAllreduce(t *testing.T) {
	runWorld(t, 4, func(ctx context.Context, c *Comm) error {
		v := int64(c.Rank() + 1)
		if got := c.AllreduceInt64(v, OpSum); got != 10 {
			return errors.Errorf("sum = %d, want 10", got)
		}
		if got := c.AllreduceInt64(v, OpMin); got != 1 {
			return errors.Errorf("min = %d, want 1", got)
		}
		if got := c.AllreduceInt64(v, OpMax); got != 4 {
			return errors.Errorf("max = %d, want 4", got)
		}
		if got := c.AllreduceFloat64(float64(c.Rank()), OpMax); got != 3 {
			return errors.Errorf("fmax = %v, want 3", got)
		}
		if c.AllreduceAnd(c.Rank() != 3) {
			return errors.New("and should fail when one rank dissents")
		}
		if !c.AllreduceOr(c.Rank() == 2) {
			return errors.New("or should see rank 2")
		}
		return nil
	})
}

func TestAllgatherAndCounts(t *testing.T) {
	runWorld(t, 3, func(ctx context.Context, c *Comm) error {
		all := c.AllgatherInt64(int64(10 * c.Rank()))
		for r, v := range all {
			if v != int64(10*r) {
				return errors.Errorf("allgather slot %d = %d", r, v)
			}
		}
		// Rank r addresses r items to every destination.
		counts := []int64{int64(c.Rank()), int64(c.Rank()), int64(c.Rank())}
		incoming := c.ExchangeCounts(counts)
		for src, v := range incoming {
			if v != int64(src) {
				return errors.Errorf("incoming from %d = %d", src, v)
			}
		}
		return nil
	})
}

func TestBarrierSeparatesPhases(t *testing.T) {
	var before, after int64
	runWorld(t, 4, func(ctx context.Context, c *Comm) error {
		atomic.AddInt64(&before, 1)
		c.Barrier()
		if atomic.LoadInt64(&before) != 4 {
			return errors.New("barrier released before all ranks arrived")
		}
		atomic.AddInt64(&after, 1)
		return nil
	})
	require.EqualValues(t, 4, after)
}

func TestResolvePayloads(t *testing.T) {
	// Rank r owns keys 100r..100r+9 and serves key*2 as a single
	// int64; key 100r+5 is withheld to exercise the missing path.
	runWorld(t, 3, func(ctx context.Context, c *Comm) error {
		serveCalls := map[int64]int{}
		serve := func(key int64, requester int) []byte {
			serveCalls[key] = requester
			if key%100 == 5 {
				return nil
			}
			return Int64sToBytes([]int64{2 * key})
		}
		requests := map[int64]int{}
		for r := 0; r < 3; r++ {
			if r == c.Rank() {
				continue
			}
			requests[int64(100*r)] = r
			requests[int64(100*r+5)] = r
		}
		found, missing := c.ResolvePayloads(requests, serve)
		if len(found) != 2 {
			return errors.Errorf("found %d payloads, want 2", len(found))
		}
		for key, payload := range found {
			vals := BytesToInt64s(payload)
			if len(vals) != 1 || vals[0] != 2*key {
				return errors.Errorf("key %d resolved to %v", key, vals)
			}
		}
		if len(missing) != 2 {
			return errors.Errorf("missing %v, want two withheld keys", missing)
		}
		for _, key := range missing {
			if key%100 != 5 {
				return errors.Errorf("unexpected missing key %d", key)
			}
		}
		// Owners saw the requesters of their keys.
		for key, requester := range serveCalls {
			if key/100 != int64(c.Rank()) {
				return errors.Errorf("served key %d not owned by rank %d", key, c.Rank())
			}
			if requester == c.Rank() {
				return errors.New("self requests should not appear in this scenario")
			}
		}
		return nil
	})
}

func TestResolvePayloadsSelfRequest(t *testing.T) {
	runWorld(t, 2, func(ctx context.Context, c *Comm) error {
		requests := map[int64]int{int64(c.Rank()): c.Rank()}
		found, missing := c.ResolvePayloads(requests, func(key int64, requester int) []byte {
			if requester != c.Rank() {
				return nil
			}
			return []byte{byte(key + 1)}
		})
		if len(missing) != 0 || len(found) != 1 {
			return errors.Errorf("found=%v missing=%v", found, missing)
		}
		if found[int64(c.Rank())][0] != byte(c.Rank()+1) {
			return errors.New("self request payload wrong")
		}
		return nil
	})
}

func TestRankFailureUnblocksPeers(t *testing.T) {
	ctx := logger.WithLogger(context.Background(), zap.NewNop())
	err := RunRanks(ctx, 2, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 0 {
			return errors.New("rank 0 gives up")
		}
		// Blocks forever unless the abort wakes it.
		c.Recv(0, TagUser)
		return nil
	})
	require.Error(t, err)
}

func TestCodecRoundtrip(t *testing.T) {
	ints := []int64{-1, 0, 42, 1 << 40}
	got := BytesToInt64s(Int64sToBytes(ints))
	require.Equal(t, ints, got)

	floats := []float64{0, -2.5, 3.25}
	require.Equal(t, floats, BytesToFloat64s(Float64sToBytes(floats)))

	require.Equal(t, DigestInt64s(ints), DigestInt64s([]int64{-1, 0, 42, 1 << 40}))
	require.NotEqual(t, DigestInt64s(ints), DigestInt64s([]int64{-1, 0, 42}))
}
