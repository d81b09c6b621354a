package transfer

// laneWidth is the number of cells a kernel invocation carries through
// the tensor sweeps together.
const laneWidth = 4

// FastPolynomialTransferSupported reports whether the degree pair has
// a tensorized kernel in the bounded dispatch table. The patterns
// cover, per coarse degree d up to 9, the combined-child geometric
// blocks (2d, d) and (2d+1, d) and the common polynomial coarsenings
// (d, ceil(d/2)), (d, d), (d, d-1), (d, 1). Pairs outside the table
// run the dense fallback.
func FastPolynomialTransferSupported(fineDegree, coarseDegree int) bool {
	for d := 1; d <= 9; d++ {
		switch {
		case fineDegree == 2*d && coarseDegree == d,
			fineDegree == 2*d+1 && coarseDegree == d,
			fineDegree == d && coarseDegree == (d+1)/2,
			fineDegree == d && coarseDegree == d,
			fineDegree == d && coarseDegree == d-1,
			fineDegree == d && coarseDegree == 1:
			return true
		}
	}
	return false
}

// useTensorPath decides the kernel path for a scheme.
func (s *Scheme) useTensorPath() bool {
	return FastPolynomialTransferSupported(s.NFine1D-1, s.NCoarse1D-1)
}

// contractAxis applies m (nOut x nIn, row-major) along axis k of a
// lane-blocked lattice whose axes below k have already been
// transformed to size nOut while k and above still have size nIn.
// Lexicographic layout, axis 0 fastest, lanes innermost.
func contractAxis(k, dim, nIn, nOut int, m, src, dst []float64) {
	fast := pow(nOut, k)
	slow := pow(nIn, dim-k-1)
	for s := 0; s < slow; s++ {
		for o := 0; o < nOut; o++ {
			for f := 0; f < fast; f++ {
				var acc [laneWidth]float64
				for i := 0; i < nIn; i++ {
					w := m[o*nIn+i]
					if w == 0 {
						continue
					}
					sb := ((s*nIn+i)*fast + f) * laneWidth
					for l := 0; l < laneWidth; l++ {
						acc[l] += w * src[sb+l]
					}
				}
				db := ((s*nOut+o)*fast + f) * laneWidth
				for l := 0; l < laneWidth; l++ {
					dst[db+l] = acc[l]
				}
			}
		}
	}
}

// contractAxisT applies the transpose of m (m stays nOut x nIn
// row-major; the sweep maps size nOut down to size nIn along axis k).
func contractAxisT(k, dim, nIn, nOut int, m, src, dst []float64) {
	fast := pow(nIn, k)
	slow := pow(nOut, dim-k-1)
	for s := 0; s < slow; s++ {
		for i := 0; i < nIn; i++ {
			for f := 0; f < fast; f++ {
				var acc [laneWidth]float64
				for o := 0; o < nOut; o++ {
					w := m[o*nIn+i]
					if w == 0 {
						continue
					}
					sb := ((s*nOut+o)*fast + f) * laneWidth
					for l := 0; l < laneWidth; l++ {
						acc[l] += w * src[sb+l]
					}
				}
				db := ((s*nIn+i)*fast + f) * laneWidth
				for l := 0; l < laneWidth; l++ {
					dst[db+l] = acc[l]
				}
			}
		}
	}
}

// scratchLen is the lane-block size the tensor sweeps need per
// component: the largest intermediate lattice.
func (s *Scheme) scratchLen() int {
	big := s.NFine1D
	if s.NCoarse1D > big {
		big = s.NCoarse1D
	}
	return pow(big, s.Dim) * laneWidth
}

// blockLen is the lane-block length of one side's buffer, all
// components.
func (s *Scheme) blockLen(fine bool) int {
	n := s.NDoFsCoarse
	if fine {
		n = s.NDoFsFine
	}
	return n * s.Components * laneWidth
}

// tensorSweep runs the per-axis contractions from size nIn to nOut for
// one component block, ping-ponging through the scratch pair.
func tensorSweep(dim, nIn, nOut int, m []float64, transpose bool, in, out []float64, scratch [2][]float64) {
	src := in
	for k := 0; k < dim; k++ {
		dst := scratch[k%2]
		if k == dim-1 {
			dst = out
		}
		if transpose {
			contractAxisT(k, dim, nIn, nOut, m, src, dst)
		} else {
			contractAxis(k, dim, nIn, nOut, m, src, dst)
		}
		src = dst
	}
}

// denseApply multiplies the dense scalar matrix against one component
// block.
func denseApply(nOut, nIn int, m []float64, transpose bool, in, out []float64) {
	if transpose {
		for i := 0; i < nIn; i++ {
			var acc [laneWidth]float64
			for o := 0; o < nOut; o++ {
				w := m[o*nIn+i]
				if w == 0 {
					continue
				}
				for l := 0; l < laneWidth; l++ {
					acc[l] += w * in[o*laneWidth+l]
				}
			}
			for l := 0; l < laneWidth; l++ {
				out[i*laneWidth+l] = acc[l]
			}
		}
		return
	}
	for o := 0; o < nOut; o++ {
		var acc [laneWidth]float64
		for i := 0; i < nIn; i++ {
			w := m[o*nIn+i]
			if w == 0 {
				continue
			}
			for l := 0; l < laneWidth; l++ {
				acc[l] += w * in[i*laneWidth+l]
			}
		}
		for l := 0; l < laneWidth; l++ {
			out[o*laneWidth+l] = acc[l]
		}
	}
}

// prolongateBlock maps one lane block of coarse cell values to the
// fine block layout. Identity schemes copy.
func (s *Scheme) prolongateBlock(in, out []float64, scratch [2][]float64) {
	if s.Identity {
		copy(out, in)
		return
	}
	cIn := s.NDoFsCoarse * laneWidth
	cOut := s.NDoFsFine * laneWidth
	tensor := s.useTensorPath()
	for comp := 0; comp < s.Components; comp++ {
		src := in[comp*cIn : (comp+1)*cIn]
		dst := out[comp*cOut : (comp+1)*cOut]
		if tensor {
			tensorSweep(s.Dim, s.NCoarse1D, s.NFine1D, s.Prolong1D, false, src, dst, scratch)
		} else {
			denseApply(s.NDoFsFine, s.NDoFsCoarse, s.ProlongDense(), false, src, dst)
		}
	}
}

// restrictBlock maps one lane block of fine values back to coarse
// cells with the transposed prolongation, the adjoint path.
func (s *Scheme) restrictBlock(in, out []float64, scratch [2][]float64) {
	if s.Identity {
		copy(out, in)
		return
	}
	cIn := s.NDoFsFine * laneWidth
	cOut := s.NDoFsCoarse * laneWidth
	tensor := s.useTensorPath()
	for comp := 0; comp < s.Components; comp++ {
		src := in[comp*cIn : (comp+1)*cIn]
		dst := out[comp*cOut : (comp+1)*cOut]
		if tensor {
			tensorSweep(s.Dim, s.NCoarse1D, s.NFine1D, s.Prolong1D, true, src, dst, scratch)
		} else {
			denseApply(s.NDoFsFine, s.NDoFsCoarse, s.ProlongDense(), true, src, dst)
		}
	}
}

// injectBlock maps one lane block of fine values to coarse cells with
// the injection matrices, the Interpolate path.
func (s *Scheme) injectBlock(in, out []float64, scratch [2][]float64) {
	if s.Identity {
		copy(out, in)
		return
	}
	cIn := s.NDoFsFine * laneWidth
	cOut := s.NDoFsCoarse * laneWidth
	tensor := s.useTensorPath()
	for comp := 0; comp < s.Components; comp++ {
		src := in[comp*cIn : (comp+1)*cIn]
		dst := out[comp*cOut : (comp+1)*cOut]
		if tensor {
			tensorSweep(s.Dim, s.NFine1D, s.NCoarse1D, s.Restrict1D, false, src, dst, scratch)
		} else {
			denseApply(s.NDoFsCoarse, s.NDoFsFine, s.RestrictDense(), false, src, dst)
		}
	}
}
