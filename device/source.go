package device

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/mgkernel/transfer"
)

// ProlongationKernelSource generates the OKL kernel applying one
// scheme's cell blocks: @outer walks partitions, @inner walks the
// cells of a partition up to KpartMax, and each cell runs the same
// axis-by-axis contraction the CPU path uses, against the operator in
// its transposed device layout. Identity schemes generate a copy
// kernel without an operator argument. The returned name is the
// kernel's entry point.
func ProlongationKernelSource(s *transfer.Scheme, cfg Config) (string, string, error) {
	if s == nil {
		return "", "", errors.New("nil scheme")
	}
	if len(cfg.K) == 0 {
		return "", "", errors.New("no partitions: K is empty")
	}
	if s.Dim < 1 || s.Dim > 3 {
		return "", "", errors.Errorf("dimension %d outside [1, 3]", s.Dim)
	}
	kpartMax := 0
	koff := make([]int, len(cfg.K)+1)
	for i, v := range cfg.K {
		if v < 0 {
			return "", "", errors.Errorf("partition %d has negative size %d", i, v)
		}
		if v > kpartMax {
			kpartMax = v
		}
		koff[i+1] = koff[i] + v
	}
	ft := cfg.FloatType
	if ft == 0 {
		ft = Float64
	}

	var b strings.Builder
	realType, realZero := "double", "0.0"
	if ft == Float32 {
		realType, realZero = "float", "0.0f"
	}
	fmt.Fprintf(&b, "typedef %s real_t;\n", realType)
	b.WriteString("typedef long int_t;\n")
	fmt.Fprintf(&b, "#define REAL_ZERO %s\n\n", realZero)
	fmt.Fprintf(&b, "#define NPART %d\n", len(cfg.K))
	fmt.Fprintf(&b, "#define KpartMax %d\n", kpartMax)

	name := fmt.Sprintf("copy_n%d", s.NDoFsCoarse*s.Components)
	if !s.Identity {
		name = fmt.Sprintf("prolongate_c%d_f%d", s.NCoarse1D, s.NFine1D)
		fmt.Fprintf(&b, "#define NC1D %d\n", s.NCoarse1D)
		fmt.Fprintf(&b, "#define NF1D %d\n", s.NFine1D)
		fmt.Fprintf(&b, "#define NCSCAL %d\n", s.NDoFsCoarse)
		fmt.Fprintf(&b, "#define NFSCAL %d\n", s.NDoFsFine)
	}
	fmt.Fprintf(&b, "#define NCOMP %d\n", s.Components)
	fmt.Fprintf(&b, "#define BLKC %d\n", s.NDoFsCoarse*s.Components)
	fmt.Fprintf(&b, "#define BLKF %d\n", s.NDoFsFine*s.Components)
	if !s.Identity {
		big := s.NFine1D
		if s.NCoarse1D > big {
			big = s.NCoarse1D
		}
		fmt.Fprintf(&b, "#define SCRATCH %d\n", intPow(big, s.Dim))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "const int_t KOFF[%d] = {", len(koff))
	for i, v := range koff {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteString("};\n\n")

	if s.Identity {
		fmt.Fprintf(&b, "@kernel void %s(const int_t *K,\n", name)
		pad := strings.Repeat(" ", len("@kernel void ")+len(name)+1)
		fmt.Fprintf(&b, "%sconst real_t *src,\n", pad)
		fmt.Fprintf(&b, "%sreal_t *dst) {\n", pad)
		b.WriteString("  for (int part = 0; part < NPART; ++part; @outer) {\n")
		b.WriteString("    for (int elem = 0; elem < KpartMax; ++elem; @inner) {\n")
		b.WriteString("      if (elem < K[part]) {\n")
		b.WriteString("        const int_t cell = KOFF[part] + elem;\n")
		b.WriteString("        for (int n = 0; n < BLKC; ++n) {\n")
		b.WriteString("          dst[cell * BLKC + n] = src[cell * BLKC + n];\n")
		b.WriteString("        }\n")
		b.WriteString("      }\n")
		b.WriteString("    }\n")
		b.WriteString("  }\n")
		b.WriteString("}\n")
		return name, b.String(), nil
	}

	fmt.Fprintf(&b, "@kernel void %s(const int_t *K,\n", name)
	pad := strings.Repeat(" ", len("@kernel void ")+len(name)+1)
	fmt.Fprintf(&b, "%sconst real_t *P,\n", pad)
	fmt.Fprintf(&b, "%sconst real_t *src,\n", pad)
	fmt.Fprintf(&b, "%sreal_t *dst) {\n", pad)
	b.WriteString("  for (int part = 0; part < NPART; ++part; @outer) {\n")
	b.WriteString("    for (int elem = 0; elem < KpartMax; ++elem; @inner) {\n")
	b.WriteString("      if (elem < K[part]) {\n")
	b.WriteString("        const int_t cell = KOFF[part] + elem;\n")
	if s.Dim >= 2 {
		b.WriteString("        real_t t0[SCRATCH];\n")
	}
	if s.Dim >= 3 {
		b.WriteString("        real_t t1[SCRATCH];\n")
	}
	b.WriteString("        for (int c = 0; c < NCOMP; ++c) {\n")
	b.WriteString("          const int_t cb = cell * BLKC + c * NCSCAL;\n")
	b.WriteString("          const int_t fb = cell * BLKF + c * NFSCAL;\n")
	if tensorPath(s) {
		writeTensorStages(&b, s)
	} else {
		b.WriteString("          for (int o = 0; o < NFSCAL; ++o) {\n")
		b.WriteString("            real_t acc = REAL_ZERO;\n")
		b.WriteString("            for (int i = 0; i < NCSCAL; ++i) {\n")
		b.WriteString("              acc += P[i * NFSCAL + o] * src[cb + i];\n")
		b.WriteString("            }\n")
		b.WriteString("            dst[fb + o] = acc;\n")
		b.WriteString("          }\n")
	}
	b.WriteString("        }\n")
	b.WriteString("      }\n")
	b.WriteString("    }\n")
	b.WriteString("  }\n")
	b.WriteString("}\n")
	return name, b.String(), nil
}

// writeTensorStages emits one contraction block per axis, reading the
// coarse block from src on the first axis and landing in dst on the
// last, with sizes baked as integer literals.
func writeTensorStages(b *strings.Builder, s *transfer.Scheme) {
	for k := 0; k < s.Dim; k++ {
		fast := intPow(s.NFine1D, k)
		slow := intPow(s.NCoarse1D, s.Dim-k-1)
		in, inOff := stageBuffer(k-1, s.Dim)
		out, outOff := stageBuffer(k, s.Dim)
		fmt.Fprintf(b, "          { // axis %d\n", k)
		fmt.Fprintf(b, "            for (int s = 0; s < %d; ++s) {\n", slow)
		b.WriteString("              for (int o = 0; o < NF1D; ++o) {\n")
		fmt.Fprintf(b, "                for (int f = 0; f < %d; ++f) {\n", fast)
		b.WriteString("                  real_t acc = REAL_ZERO;\n")
		b.WriteString("                  for (int i = 0; i < NC1D; ++i) {\n")
		fmt.Fprintf(b, "                    acc += P[i * NF1D + o] * %s[%s(s * NC1D + i) * %d + f];\n", in, inOff, fast)
		b.WriteString("                  }\n")
		fmt.Fprintf(b, "                  %s[%s(s * NF1D + o) * %d + f] = acc;\n", out, outOff, fast)
		b.WriteString("                }\n")
		b.WriteString("              }\n")
		b.WriteString("            }\n")
		b.WriteString("          }\n")
	}
}

// stageBuffer names the buffer a contraction stage k writes (k = -1
// names the stage-0 input): global src/dst at the ends of the chain,
// the private scratch arrays between.
func stageBuffer(k, dim int) (string, string) {
	switch {
	case k < 0:
		return "src", "cb + "
	case k == dim-1:
		return "dst", "fb + "
	case k%2 == 0:
		return "t0", ""
	default:
		return "t1", ""
	}
}

func tensorPath(s *transfer.Scheme) bool {
	return transfer.FastPolynomialTransferSupported(s.NFine1D-1, s.NCoarse1D-1)
}

func intPow(base, exp int) int {
	n := 1
	for i := 0; i < exp; i++ {
		n *= base
	}
	return n
}

// ProlongationMatrix returns the operator the generated kernel reads,
// in the row-major host form AddDeviceMatrix transposes on upload: the
// 1D stencil on the tensor path, the dense block otherwise. Identity
// schemes carry none.
func ProlongationMatrix(s *transfer.Scheme) (mat.Matrix, bool) {
	if s.Identity {
		return nil, false
	}
	if tensorPath(s) {
		return mat.NewDense(s.NFine1D, s.NCoarse1D, append([]float64(nil), s.Prolong1D...)), true
	}
	return mat.NewDense(s.NDoFsFine, s.NDoFsCoarse, append([]float64(nil), s.ProlongDense()...)), true
}

// HostProlongate runs the generated kernel's loop structure on the
// host: the same partition walk over KOFF, the same transposed
// operator access, cell blocks consecutive with components inside.
// src carries NDoFsCoarse*Components values per cell, dst
// NDoFsFine*Components.
func HostProlongate(s *transfer.Scheme, k []int, src, dst []float64) error {
	if s == nil {
		return errors.New("nil scheme")
	}
	total := 0
	for i, v := range k {
		if v < 0 {
			return errors.Errorf("partition %d has negative size %d", i, v)
		}
		total += v
	}
	bc := s.NDoFsCoarse * s.Components
	bf := s.NDoFsFine * s.Components
	if len(src) != total*bc || len(dst) != total*bf {
		return errors.Errorf("buffers hold %d and %d values, %d cells need %d and %d",
			len(src), len(dst), total, total*bc, total*bf)
	}
	if s.Identity {
		copy(dst, src)
		return nil
	}
	tensor := tensorPath(s)
	var p []float64
	if tensor {
		p = transposed(s.Prolong1D, s.NFine1D, s.NCoarse1D)
	} else {
		p = transposed(s.ProlongDense(), s.NDoFsFine, s.NDoFsCoarse)
	}
	big := s.NFine1D
	if s.NCoarse1D > big {
		big = s.NCoarse1D
	}
	t0 := make([]float64, intPow(big, s.Dim))
	t1 := make([]float64, intPow(big, s.Dim))
	cell := 0
	for part := range k {
		for elem := 0; elem < k[part]; elem++ {
			for c := 0; c < s.Components; c++ {
				in := src[cell*bc+c*s.NDoFsCoarse : cell*bc+(c+1)*s.NDoFsCoarse]
				out := dst[cell*bf+c*s.NDoFsFine : cell*bf+(c+1)*s.NDoFsFine]
				if tensor {
					hostSweep(s.Dim, s.NCoarse1D, s.NFine1D, p, in, out, t0, t1)
				} else {
					for o := 0; o < s.NDoFsFine; o++ {
						acc := 0.0
						for i := 0; i < s.NDoFsCoarse; i++ {
							acc += p[i*s.NDoFsFine+o] * in[i]
						}
						out[o] = acc
					}
				}
			}
			cell++
		}
	}
	return nil
}

// hostSweep contracts one axis at a time against the column-major
// operator, mirroring the emitted stages.
func hostSweep(dim, nIn, nOut int, p, in, out, t0, t1 []float64) {
	src := in
	for k := 0; k < dim; k++ {
		dst := t0
		if k%2 == 1 {
			dst = t1
		}
		if k == dim-1 {
			dst = out
		}
		fast := intPow(nOut, k)
		slow := intPow(nIn, dim-k-1)
		for s := 0; s < slow; s++ {
			for o := 0; o < nOut; o++ {
				for f := 0; f < fast; f++ {
					acc := 0.0
					for i := 0; i < nIn; i++ {
						acc += p[i*nOut+o] * src[(s*nIn+i)*fast+f]
					}
					dst[(s*nOut+o)*fast+f] = acc
				}
			}
		}
		src = dst
	}
}

// transposed flips a row-major rows x cols operator to column-major.
func transposed(m []float64, rows, cols int) []float64 {
	t := make([]float64, len(m))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t[j*rows+i] = m[i*cols+j]
		}
	}
	return t
}
