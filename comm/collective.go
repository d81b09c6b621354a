package comm

import (
	"sync"
)

// ReduceOp selects the combining operation of a reduction.
type ReduceOp int

const (
	OpMin ReduceOp = iota
	OpMax
	OpSum
)

// rendezvous synchronizes all ranks of a world for one collective at a
// time. A phase counter distinguishes consecutive collectives; SPMD
// discipline (every rank issues the same collectives in the same
// order) keeps slots from mixing.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	phase   int
	arrived int
	slots   []interface{}
	result  interface{}
	aborted bool
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{size: size, slots: make([]interface{}, size)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *rendezvous) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	r.cond.Broadcast()
}

// exchange deposits one rank's contribution, blocks until all ranks
// arrive, and hands every rank the value combine built from the full
// slot set.
func (r *rendezvous) exchange(rank int, v interface{}, combine func([]interface{}) interface{}) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		panic(ErrAborted)
	}
	r.slots[rank] = v
	r.arrived++
	myPhase := r.phase
	if r.arrived == r.size {
		r.result = combine(r.slots)
		r.arrived = 0
		r.phase++
		r.cond.Broadcast()
		return r.result
	}
	for r.phase == myPhase {
		if r.aborted {
			panic(ErrAborted)
		}
		r.cond.Wait()
	}
	return r.result
}

// Barrier blocks until every rank reaches it.
func (c *Comm) Barrier() {
	c.world.rendezvous.exchange(c.rank, nil, func([]interface{}) interface{} { return nil })
}

// AllreduceInt64 combines one int64 per rank and returns the result on
// every rank.
func (c *Comm) AllreduceInt64(v int64, op ReduceOp) int64 {
	out := c.world.rendezvous.exchange(c.rank, v, func(slots []interface{}) interface{} {
		acc := slots[0].(int64)
		for _, s := range slots[1:] {
			x := s.(int64)
			switch op {
			case OpMin:
				if x < acc {
					acc = x
				}
			case OpMax:
				if x > acc {
					acc = x
				}
			case OpSum:
				acc += x
			}
		}
		return acc
	})
	return out.(int64)
}

// AllreduceFloat64 combines one float64 per rank.
func (c *Comm) AllreduceFloat64(v float64, op ReduceOp) float64 {
	out := c.world.rendezvous.exchange(c.rank, v, func(slots []interface{}) interface{} {
		acc := slots[0].(float64)
		for _, s := range slots[1:] {
			x := s.(float64)
			switch op {
			case OpMin:
				if x < acc {
					acc = x
				}
			case OpMax:
				if x > acc {
					acc = x
				}
			case OpSum:
				acc += x
			}
		}
		return acc
	})
	return out.(float64)
}

// AllreduceAnd reports whether the flag holds on every rank.
func (c *Comm) AllreduceAnd(v bool) bool {
	x := int64(0)
	if v {
		x = 1
	}
	return c.AllreduceInt64(x, OpMin) == 1
}

// AllreduceOr reports whether the flag holds on any rank.
func (c *Comm) AllreduceOr(v bool) bool {
	x := int64(0)
	if v {
		x = 1
	}
	return c.AllreduceInt64(x, OpMax) == 1
}

// AllgatherInt64 returns every rank's value, indexed by rank.
func (c *Comm) AllgatherInt64(v int64) []int64 {
	out := c.world.rendezvous.exchange(c.rank, v, func(slots []interface{}) interface{} {
		all := make([]int64, len(slots))
		for i, s := range slots {
			all[i] = s.(int64)
		}
		return all
	})
	return out.([]int64)
}

// AllgatherBytes returns every rank's payload, indexed by rank. The
// payloads are shared, not copied; treat them as read-only.
func (c *Comm) AllgatherBytes(payload []byte) [][]byte {
	out := c.world.rendezvous.exchange(c.rank, payload, func(slots []interface{}) interface{} {
		all := make([][]byte, len(slots))
		for i, s := range slots {
			if s != nil {
				all[i] = s.([]byte)
			}
		}
		return all
	})
	return out.([][]byte)
}

// GatherBytesToRoot collects every rank's payload on the root rank;
// other ranks receive nil.
func (c *Comm) GatherBytesToRoot(root int, payload []byte) [][]byte {
	all := c.AllgatherBytes(payload)
	if c.rank != root {
		return nil
	}
	return all
}

// ExchangeCounts transposes a per-destination count vector: entry r of
// the result is what rank r addressed to this rank.
func (c *Comm) ExchangeCounts(counts []int64) []int64 {
	out := c.world.rendezvous.exchange(c.rank, counts, func(slots []interface{}) interface{} {
		size := len(slots)
		matrix := make([][]int64, size)
		for i, s := range slots {
			matrix[i] = s.([]int64)
		}
		return matrix
	})
	matrix := out.([][]int64)
	received := make([]int64, c.world.size)
	for src := 0; src < c.world.size; src++ {
		received[src] = matrix[src][c.rank]
	}
	return received
}
