package comm

import (
	"sort"

	"github.com/pkg/errors"
)

// Tags of the payload directory round; user exchanges pick tags above
// TagUser to stay clear of them.
const (
	tagResolveRequest = 1
	tagResolveReply   = 2

	// TagUser is the first tag free for callers.
	TagUser = 16
)

// ResolvePayloads runs one directory round: every rank asks the owners
// of its requested keys for data, owners answer through the serve
// callback, and each rank gets back a payload per found key plus the
// sorted list of keys the owner had no data for. The serve callback
// sees the requesting rank, so owners can track requesters. All ranks
// must call collectively.
func (c *Comm) ResolvePayloads(requests map[int64]int, serve func(key int64, requester int) []byte) (map[int64][]byte, []int64) {
	size := c.world.size

	// Group request keys per owner, deterministically ordered.
	perOwner := make([][]int64, size)
	for key, owner := range requests {
		if owner < 0 || owner >= size {
			panic(errors.Errorf("key %d requested from rank %d outside world of size %d", key, owner, size))
		}
		perOwner[owner] = append(perOwner[owner], key)
	}
	for _, keys := range perOwner {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}

	// Everybody learns who will ask it for data.
	counts := make([]int64, size)
	for dst, keys := range perOwner {
		counts[dst] = int64(len(keys))
	}
	incoming := c.ExchangeCounts(counts)

	var reqs []*Request
	for dst, keys := range perOwner {
		if dst == c.rank || len(keys) == 0 {
			continue
		}
		reqs = append(reqs, c.Isend(dst, tagResolveRequest, Int64sToBytes(keys)))
	}

	found := make(map[int64][]byte, len(requests))
	var missing []int64

	// Serve local requests directly.
	for _, key := range perOwner[c.rank] {
		if payload := serve(key, c.rank); payload != nil {
			found[key] = payload
		} else {
			missing = append(missing, key)
		}
	}

	// Answer every requester.
	for src := 0; src < size; src++ {
		if src == c.rank || incoming[src] == 0 {
			continue
		}
		_, raw := c.Recv(src, tagResolveRequest)
		keys := BytesToInt64s(raw)
		var reply []byte
		for _, key := range keys {
			payload := serve(key, src)
			ok := int64(0)
			if payload != nil {
				ok = 1
			}
			header := []int64{key, ok, int64(len(payload))}
			reply = append(reply, Int64sToBytes(header)...)
			reply = append(reply, payload...)
			// Keep the next header 8-byte aligned.
			for len(reply)%8 != 0 {
				reply = append(reply, 0)
			}
		}
		reqs = append(reqs, c.Isend(src, tagResolveReply, reply))
	}

	// Collect answers from every owner we asked.
	for owner, keys := range perOwner {
		if owner == c.rank || len(keys) == 0 {
			continue
		}
		_, reply := c.Recv(owner, tagResolveReply)
		off := 0
		for off < len(reply) {
			header := BytesToInt64s(reply[off : off+24])
			key, ok, n := header[0], header[1], int(header[2])
			off += 24
			payload := make([]byte, n)
			copy(payload, reply[off:off+n])
			off += (n + 7) &^ 7
			if ok == 1 {
				found[key] = payload
			} else {
				missing = append(missing, key)
			}
		}
	}

	c.WaitAll(reqs)
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return found, missing
}
