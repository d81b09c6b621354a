package transfer

import (
	"github.com/notargets/mgkernel/dofs"
	"github.com/notargets/mgkernel/partitions"
)

// maskIndex folds a lexicographic lattice position into its 3^dim
// boundary signature: per axis 0 on the low face, 2 on the high face,
// 1 inside.
func maskIndex(lex, n1, dim int) int {
	idx := 0
	stride := 1
	for d := 0; d < dim; d++ {
		pos := lex % n1
		lex /= n1
		digit := 1
		switch pos {
		case 0:
			digit = 0
		case n1 - 1:
			digit = 2
		}
		idx += digit * stride
		stride *= 3
	}
	return idx
}

// computeInverseValenceWeights fills per-cell weights on every
// non-additive scheme. A counting vector on the fine layout gets one
// touch per cell visit of a fine dof, ghost touches fold to the owner,
// and the stored weight is the reciprocal of the total. Fine dofs
// bound by constraints weigh zero. Collective.
func computeInverseValenceWeights(schemes []*Scheme, finePart *partitions.Partitioner, constraints *dofs.Constraints, channel int) error {
	counting := partitions.NewVector(finePart)
	any := false
	for _, s := range schemes {
		if s.Additive {
			continue
		}
		any = true
		ndc := s.NDoFsFine * s.Components
		for k := 0; k < s.NCells; k++ {
			base := k * ndc
			for lex := 0; lex < s.NDoFsFine; lex++ {
				counting.AddLocal(int64(s.FineIndices[base+lex]), 1)
			}
		}
	}
	if !any {
		return nil
	}
	if err := counting.CompressAdd(channel); err != nil {
		return err
	}
	if err := counting.UpdateGhosts(channel); err != nil {
		return err
	}

	data := counting.Data()
	for _, s := range schemes {
		if s.Additive {
			continue
		}
		s.Weights = make([]float64, s.NCells*s.NDoFsFine)
		ndc := s.NDoFsFine * s.Components
		for k := 0; k < s.NCells; k++ {
			base := k * ndc
			for lex := 0; lex < s.NDoFsFine; lex++ {
				slot := int64(s.FineIndices[base+lex])
				w := 1.0 / data[slot]
				if constraints != nil && constraints.NLines() > 0 {
					g, err := finePart.LocalToGlobal(slot)
					if err != nil {
						return err
					}
					if constraints.IsConstrained(g) {
						w = 0
					}
				}
				s.Weights[k*s.NDoFsFine+lex] = w
			}
		}
		compressWeights(s)
	}
	return nil
}

// compressWeights switches one scheme to the 3^dim boundary-signature
// form when every cell's weights agree within their signature class.
// Exactly one of the two representations survives.
func compressWeights(s *Scheme) {
	if len(s.Weights) == 0 || s.NFine1D < 2 {
		return
	}
	n3 := pow(3, s.Dim)
	masks := make([]float64, s.NCells*n3)
	seen := make([]bool, n3)
	for k := 0; k < s.NCells; k++ {
		for i := range seen {
			seen[i] = false
		}
		cellMask := masks[k*n3 : (k+1)*n3]
		for lex := 0; lex < s.NDoFsFine; lex++ {
			m := maskIndex(lex, s.NFine1D, s.Dim)
			w := s.Weights[k*s.NDoFsFine+lex]
			if !seen[m] {
				cellMask[m] = w
				seen[m] = true
				continue
			}
			if cellMask[m] != w {
				return
			}
		}
	}
	s.WeightMasks = masks
	s.Weights = nil
}

// HasWeights reports whether the scheme carries a weight
// representation.
func (s *Scheme) HasWeights() bool {
	return s.Weights != nil || s.WeightMasks != nil
}

// weightAt reads the weight of one fine lattice slot of a cell from
// whichever representation the scheme kept.
func (s *Scheme) weightAt(cell, lex int) float64 {
	if s.WeightMasks != nil {
		return s.WeightMasks[cell*pow(3, s.Dim)+maskIndex(lex, s.NFine1D, s.Dim)]
	}
	return s.Weights[cell*s.NDoFsFine+lex]
}
