package transfer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/notargets/mgkernel/comm"
	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/mesh"
	"github.com/notargets/mgkernel/partitions"
)

// ViewKind names how the fine counterparts of the locally processed
// pairs are reached.
type ViewKind int

const (
	// ViewIdentity means every counterpart is retained locally on the
	// shared forest.
	ViewIdentity ViewKind = iota
	// ViewFirstChild means the counterparts live on a distinct fine
	// forest whose ownership aligns with the coarse side, so all of
	// them are retained locally.
	ViewFirstChild
	// ViewPermutation means counterparts live on the shared forest but
	// some were fetched from other ranks.
	ViewPermutation
	// ViewGlobalCoarsening means counterparts live on a distinct fine
	// forest and some were fetched.
	ViewGlobalCoarsening
)

// String names the variant for logs.
func (k ViewKind) String() string {
	switch k {
	case ViewIdentity:
		return "identity"
	case ViewFirstChild:
		return "first-child"
	case ViewPermutation:
		return "permutation"
	case ViewGlobalCoarsening:
		return "global-coarsening"
	}
	return fmt.Sprintf("view(%d)", int(k))
}

// fineCellView hands the pair loop the fine-side dof list of every
// counterpart cell: retained cells come from the handler, the rest
// were fetched from their owners through the cell directory.
type fineCellView struct {
	kind   ViewKind
	h      *dofs.Handler
	remote map[mesh.CellID]remoteCell
}

type remoteCell struct {
	fe   int
	dofs []int64
}

// newFineCellView resolves the needed counterpart cells against the
// fine handler. distinctForest marks geometric transfers, where the
// fine space lives on its own forest. Collective.
func newFineCellView(fine *dofs.Handler, needed []mesh.CellID, distinctForest bool) (*fineCellView, error) {
	c := fine.Comm()
	msh := fine.Mesh()

	var queries []int64
	for _, id := range needed {
		if _, ok := fine.CellDoFs(id); ok {
			continue
		}
		queries = append(queries, msh.DenseCellKey(id))
	}
	allLocal := c.AllreduceAnd(len(queries) == 0)
	v := &fineCellView{h: fine}
	switch {
	case allLocal && distinctForest:
		v.kind = ViewFirstChild
	case allLocal:
		v.kind = ViewIdentity
	case distinctForest:
		v.kind = ViewGlobalCoarsening
	default:
		v.kind = ViewPermutation
	}
	if allLocal {
		return v, nil
	}

	owned := partitions.NewIndexSet(msh.DenseKeyBound())
	for _, id := range fine.OwnedCells() {
		owned.AddIndex(msh.DenseCellKey(id))
	}
	owners, _, err := partitions.ResolveOwners(c, msh.DenseKeyBound(), owned, queries, false)
	if err != nil {
		return nil, err
	}
	requests := make(map[int64]int, len(queries))
	var missing []int64
	for i, o := range owners {
		if o == partitions.InvalidOwner {
			missing = append(missing, queries[i])
			continue
		}
		requests[queries[i]] = o
	}
	if c.AllreduceOr(len(missing) > 0) {
		return nil, reportMissingCells(c, msh, missing)
	}

	replies, notServed := c.ResolvePayloads(requests, func(key int64, requester int) []byte {
		id := msh.CellFromDenseKey(key)
		list, ok := fine.CellDoFs(id)
		if !ok {
			return nil
		}
		fe, _ := fine.FEIndex(id)
		payload := make([]int64, 0, len(list)+1)
		payload = append(payload, int64(fe))
		payload = append(payload, list...)
		return comm.Int64sToBytes(payload)
	})
	if c.AllreduceOr(len(notServed) > 0) {
		return nil, reportMissingCells(c, msh, notServed)
	}
	v.remote = make(map[mesh.CellID]remoteCell, len(replies))
	for key, raw := range replies {
		vals := comm.BytesToInt64s(raw)
		v.remote[msh.CellFromDenseKey(key)] = remoteCell{fe: int(vals[0]), dofs: vals[1:]}
	}
	return v, nil
}

// Kind reports the resolved view variant.
func (v *fineCellView) Kind() ViewKind { return v.kind }

// CellDoFs returns a counterpart's global dof list and element index.
func (v *fineCellView) CellDoFs(c mesh.CellID) ([]int64, int, error) {
	if list, ok := v.h.CellDoFs(c); ok {
		fe, _ := v.h.FEIndex(c)
		return list, fe, nil
	}
	if rc, ok := v.remote[c]; ok {
		return rc.dofs, rc.fe, nil
	}
	return nil, 0, errors.Errorf("fine counterpart (level %d, index %d) was not resolved", c.Level, c.Index)
}

// RemoteDoFs lists the fetched dofs in ascending order, the extra
// ghosts the fine partitioner must carry.
func (v *fineCellView) RemoteDoFs(bound int64) *partitions.IndexSet {
	set := partitions.NewIndexSet(bound)
	for _, rc := range v.remote {
		for _, g := range rc.dofs {
			set.AddIndex(g)
		}
	}
	return set
}

// reportMissingCells gathers every rank's unresolved counterparts,
// lets rank 0 sort and format them once, and fails on all ranks.
func reportMissingCells(c *comm.Comm, msh *mesh.Mesh, missing []int64) error {
	all := c.GatherBytesToRoot(0, comm.Int64sToBytes(missing))
	if c.Rank() != 0 {
		return errors.New("coarse cells without a fine counterpart, rank 0 lists them")
	}
	seen := map[int64]struct{}{}
	var keys []int64
	for _, raw := range all {
		for _, k := range comm.BytesToInt64s(raw) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var b strings.Builder
	for _, k := range keys {
		id := msh.CellFromDenseKey(k)
		fmt.Fprintf(&b, " (level %d, index %d)", id.Level, id.Index)
	}
	return errors.Errorf("coarse cells without a fine counterpart:%s", b.String())
}
