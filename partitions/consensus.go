package partitions

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/comm"
)

const (
	tagDictRegister   = comm.TagUser + 2
	tagDictQuery      = comm.TagUser + 3
	tagDictAnswer     = comm.TagUser + 4
	tagDictRequesters = comm.TagUser + 5
)

// InvalidOwner answers a query for a key nobody registered.
const InvalidOwner = -1

// ResolveOwners runs one ownership-consensus round over the dense key
// space [0, keyBound), served by a dictionary of contiguous key ranges
// spread across the ranks. Every rank registers the keys it owns, then
// asks for arbitrary keys and learns the owning rank, InvalidOwner for
// unregistered ones. With requester tracking, each rank additionally
// receives for every key it registered the sorted ranks that asked for
// it, itself excluded. Keys registered twice are a consistency error.
// All ranks must call collectively.
func ResolveOwners(c *comm.Comm, keyBound int64, owned *IndexSet, queries []int64, trackRequesters bool) ([]int, map[int64][]int, error) {
	if keyBound <= 0 {
		return nil, nil, errors.Errorf("key space bound %d must be positive", keyBound)
	}
	size := c.Size()
	chunk := (keyBound + int64(size) - 1) / int64(size)
	dictRank := func(key int64) int { return int(key / chunk) }

	// Registration: owned intervals split along dictionary chunks.
	regs := make([][]int64, size)
	for _, iv := range owned.Intervals() {
		if iv.End > keyBound {
			return nil, nil, errors.Errorf("owned key %d outside key space bound %d", iv.End-1, keyBound)
		}
		for begin := iv.Begin; begin < iv.End; {
			r := dictRank(begin)
			end := (int64(r) + 1) * chunk
			if end > iv.End {
				end = iv.End
			}
			regs[r] = append(regs[r], begin, end)
			begin = end
		}
	}
	counts := make([]int64, size)
	for r := range regs {
		counts[r] = int64(len(regs[r]))
	}
	incomingReg := c.ExchangeCounts(counts)

	var reqs []*comm.Request
	for r, pairs := range regs {
		if r == c.Rank() || len(pairs) == 0 {
			continue
		}
		reqs = append(reqs, c.Isend(r, tagDictRegister, comm.Int64sToBytes(pairs)))
	}

	// This rank's slice of the dictionary.
	dict := map[int64]int{}
	record := func(pairs []int64, from int) error {
		for i := 0; i < len(pairs); i += 2 {
			for key := pairs[i]; key < pairs[i+1]; key++ {
				if prev, ok := dict[key]; ok {
					return errors.Errorf("key %d registered by ranks %d and %d", key, prev, from)
				}
				dict[key] = from
			}
		}
		return nil
	}
	if err := record(regs[c.Rank()], c.Rank()); err != nil {
		return nil, nil, err
	}
	for src := 0; src < size; src++ {
		if src == c.Rank() || incomingReg[src] == 0 {
			continue
		}
		_, raw := c.Recv(src, tagDictRegister)
		if err := record(comm.BytesToInt64s(raw), src); err != nil {
			return nil, nil, err
		}
	}

	// Queries grouped by dictionary rank, answered in the same order.
	perDict := make([][]int64, size)
	for _, key := range queries {
		if key < 0 || key >= keyBound {
			return nil, nil, errors.Errorf("query key %d outside key space bound %d", key, keyBound)
		}
		perDict[dictRank(key)] = append(perDict[dictRank(key)], key)
	}
	for r := range counts {
		counts[r] = int64(len(perDict[r]))
	}
	incomingQuery := c.ExchangeCounts(counts)
	for r, keys := range perDict {
		if r == c.Rank() || len(keys) == 0 {
			continue
		}
		reqs = append(reqs, c.Isend(r, tagDictQuery, comm.Int64sToBytes(keys)))
	}

	type asked struct {
		key       int64
		requester int
	}
	var askedKeys []asked
	answer := func(keys []int64, from int) []int64 {
		out := make([]int64, len(keys))
		for i, key := range keys {
			owner, ok := dict[key]
			if !ok {
				owner = InvalidOwner
			}
			out[i] = int64(owner)
			if trackRequesters && ok {
				askedKeys = append(askedKeys, asked{key: key, requester: from})
			}
		}
		return out
	}

	answers := make([][]int64, size)
	answers[c.Rank()] = answer(perDict[c.Rank()], c.Rank())
	for src := 0; src < size; src++ {
		if src == c.Rank() || incomingQuery[src] == 0 {
			continue
		}
		_, raw := c.Recv(src, tagDictQuery)
		reqs = append(reqs, c.Isend(src, tagDictAnswer, comm.Int64sToBytes(answer(comm.BytesToInt64s(raw), src))))
	}
	for r, keys := range perDict {
		if r == c.Rank() || len(keys) == 0 {
			continue
		}
		_, raw := c.Recv(r, tagDictAnswer)
		answers[r] = comm.BytesToInt64s(raw)
	}

	// Scatter the answers back into query order.
	owners := make([]int, len(queries))
	taken := make([]int, size)
	for i, key := range queries {
		r := dictRank(key)
		owners[i] = int(answers[r][taken[r]])
		taken[r]++
	}

	var requesters map[int64][]int
	if trackRequesters {
		// The dictionary forwards collected requester lists to the
		// registered owners.
		perOwner := make(map[int][]int64)
		sort.Slice(askedKeys, func(i, j int) bool {
			if askedKeys[i].key != askedKeys[j].key {
				return askedKeys[i].key < askedKeys[j].key
			}
			return askedKeys[i].requester < askedKeys[j].requester
		})
		for _, a := range askedKeys {
			owner := dict[a.key]
			if a.requester == owner {
				continue
			}
			perOwner[owner] = append(perOwner[owner], a.key, int64(a.requester))
		}
		for r := range counts {
			counts[r] = int64(len(perOwner[r]))
		}
		incomingLists := c.ExchangeCounts(counts)
		for r, pairs := range perOwner {
			if r == c.Rank() || len(pairs) == 0 {
				continue
			}
			reqs = append(reqs, c.Isend(r, tagDictRequesters, comm.Int64sToBytes(pairs)))
		}
		requesters = map[int64][]int{}
		collect := func(pairs []int64) {
			for i := 0; i < len(pairs); i += 2 {
				requesters[pairs[i]] = append(requesters[pairs[i]], int(pairs[i+1]))
			}
		}
		collect(perOwner[c.Rank()])
		for src := 0; src < size; src++ {
			if src == c.Rank() || incomingLists[src] == 0 {
				continue
			}
			_, raw := c.Recv(src, tagDictRequesters)
			collect(comm.BytesToInt64s(raw))
		}
		for key := range requesters {
			sort.Ints(requesters[key])
		}
	}

	c.WaitAll(reqs)
	return owners, requesters, nil
}
