package mesh

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// PartitionStrategy defines how active cells are grouped onto ranks.
type PartitionStrategy int

const (
	// BlockPartition assigns consecutive runs of the active cell
	// ordering.
	BlockPartition PartitionStrategy = iota
	// RoundRobin distributes cells cyclically.
	RoundRobin
	// SpaceFillingCurve orders cells along a Morton curve before
	// splitting into blocks, keeping ranks spatially compact.
	SpaceFillingCurve
)

// Partitioner assigns the active cells of a mesh to ranks.
type Partitioner struct {
	Mesh     *Mesh
	NumRanks int
	Strategy PartitionStrategy
}

// Apply labels every active cell with its owning rank.
func (pb *Partitioner) Apply() error {
	if pb.Mesh == nil {
		return errors.New("partitioner needs a mesh")
	}
	if pb.NumRanks < 1 {
		return errors.Errorf("rank count must be positive, got %d", pb.NumRanks)
	}
	var cells []CellID
	pb.Mesh.ActiveCells(func(c CellID) bool {
		cells = append(cells, c)
		return true
	})

	switch pb.Strategy {
	case BlockPartition:
		pb.assignBlocks(cells)

	case RoundRobin:
		for i, c := range cells {
			if err := pb.Mesh.SetOwner(c, i%pb.NumRanks); err != nil {
				return err
			}
		}

	case SpaceFillingCurve:
		keys := make([][3]int64, len(cells))
		for i, c := range cells {
			keys[i] = pb.Mesh.centerKey(c)
		}
		order := make([]int, len(cells))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return mortonLess(keys[order[a]], keys[order[b]], pb.Mesh.Dim)
		})
		sorted := make([]CellID, len(cells))
		for i, idx := range order {
			sorted[i] = cells[idx]
		}
		pb.assignBlocks(sorted)

	default:
		pb.assignBlocks(cells)
	}

	pb.Mesh.NumRanks = pb.NumRanks
	return nil
}

// assignBlocks splits an ordered cell list into near-equal contiguous
// runs.
func (pb *Partitioner) assignBlocks(cells []CellID) {
	per := int(math.Ceil(float64(len(cells)) / float64(pb.NumRanks)))
	if per < 1 {
		per = 1
	}
	for i, c := range cells {
		rank := i / per
		if rank >= pb.NumRanks {
			rank = pb.NumRanks - 1
		}
		// Owners set through the mesh always exist here.
		_ = pb.Mesh.SetOwner(c, rank)
	}
}

// centerKey doubles the cell center onto the global resolution lattice
// so cells on different levels order consistently along the curve.
func (m *Mesh) centerKey(c CellID) [3]int64 {
	p := m.Coords(c)
	var key [3]int64
	for d := 0; d < m.Dim; d++ {
		key[d] = (2*p[d] + 1) << uint(scaleShift-c.Level)
	}
	return key
}

// mortonLess compares two lattice points in Morton order without
// building the interleaved code: the axis holding the most significant
// differing bit decides.
func mortonLess(a, b [3]int64, dim int) bool {
	axis := 0
	var best int64
	for d := 0; d < dim; d++ {
		x := a[d] ^ b[d]
		if lessMSB(best, x) {
			best = x
			axis = d
		}
	}
	return a[axis] < b[axis]
}

func lessMSB(p, q int64) bool {
	return p < q && p < p^q
}

// PartitionStats captures load balance metrics of an applied
// partitioning.
type PartitionStats struct {
	NumRanks int
	MinCells int
	MaxCells int
	AvgCells float64
	// Imbalance is MaxCells over AvgCells; 1.0 is a perfect split.
	Imbalance float64
}

// PartitionStatistics computes load balance metrics over the active
// cells.
func (m *Mesh) PartitionStatistics() PartitionStats {
	counts := make([]int, m.NumRanks)
	total := 0
	m.ActiveCells(func(c CellID) bool {
		counts[m.Owner(c)]++
		total++
		return true
	})
	stats := PartitionStats{
		NumRanks: m.NumRanks,
		MinCells: math.MaxInt32,
		AvgCells: float64(total) / float64(m.NumRanks),
	}
	for _, n := range counts {
		if n < stats.MinCells {
			stats.MinCells = n
		}
		if n > stats.MaxCells {
			stats.MaxCells = n
		}
	}
	if stats.AvgCells > 0 {
		stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	}
	return stats
}
