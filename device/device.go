// Package device offloads the batched cell-block apply of transfer
// schemes through OCCA. A runner binds one device to one partition
// layout and owns the uploaded operators and compiled kernels. Every
// kernel run receives the partition size array as its first argument.
package device

import (
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DataType selects the device precision of real values.
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
)

// Config sizes a runner: K carries the cell count of each partition,
// FloatType the real precision, Float64 when unset.
type Config struct {
	K         []int
	FloatType DataType
}

// maxInnerCUDA is the thread bound of one CUDA @inner loop.
const maxInnerCUDA = 1024

// maxKpart caps the largest partition well before any backend limit:
// a lane this long means the cells were never balanced.
const maxKpart = 1 << 20

// NewTestDevice opens a device for tests and examples, preferring
// OpenMP, then CUDA, then Serial.
func NewTestDevice() (*gocca.OCCADevice, error) {
	var err error
	for _, props := range []string{
		`{"mode": "OpenMP"}`,
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "Serial"}`,
	} {
		var dev *gocca.OCCADevice
		if dev, err = gocca.NewDevice(props); err == nil {
			return dev, nil
		}
	}
	return nil, errors.Wrap(err, "no OCCA backend available")
}

type memEntry struct {
	mem    *gocca.OCCAMemory
	values int
}

// Runner ties compiled kernels and device memory to one device and
// one partition layout.
type Runner struct {
	device    *gocca.OCCADevice
	k         []int64
	kpartMax  int
	floatType DataType

	kernels map[string]*gocca.OCCAKernel
	mem     map[string]memEntry
}

// NewRunner validates the partition layout against the device and
// uploads the K array under the reserved name "K".
func NewRunner(dev *gocca.OCCADevice, cfg Config) (*Runner, error) {
	if dev == nil {
		return nil, errors.New("nil device")
	}
	if len(cfg.K) == 0 {
		return nil, errors.New("no partitions: K is empty")
	}
	kpartMax := 0
	k := make([]int64, len(cfg.K))
	for i, v := range cfg.K {
		if v < 0 {
			return nil, errors.Errorf("partition %d has negative size %d", i, v)
		}
		if v > kpartMax {
			kpartMax = v
		}
		k[i] = int64(v)
	}
	if kpartMax > maxKpart {
		return nil, errors.Errorf("largest partition holds %d cells, the limit is %d; rebalance the partition sizes", kpartMax, maxKpart)
	}
	if dev.Mode() == "CUDA" && kpartMax > maxInnerCUDA {
		return nil, errors.Errorf("largest partition holds %d cells, the CUDA @inner limit is %d", kpartMax, maxInnerCUDA)
	}
	ft := cfg.FloatType
	if ft == 0 {
		ft = Float64
	}
	r := &Runner{
		device:    dev,
		k:         k,
		kpartMax:  kpartMax,
		floatType: ft,
		kernels:   make(map[string]*gocca.OCCAKernel),
		mem:       make(map[string]memEntry),
	}
	kMem := dev.Malloc(int64(len(k))*8, unsafe.Pointer(&k[0]), nil)
	r.mem["K"] = memEntry{mem: kMem, values: len(k)}
	return r, nil
}

// Device returns the underlying OCCA device.
func (r *Runner) Device() *gocca.OCCADevice { return r.device }

// KpartMax is the @inner extent every kernel is compiled against.
func (r *Runner) KpartMax() int { return r.kpartMax }

// NPartitions is the @outer extent.
func (r *Runner) NPartitions() int { return len(r.k) }

func (r *Runner) upload(name string, values []float64) error {
	if _, exists := r.mem[name]; exists {
		return errors.Errorf("%q is already on the device", name)
	}
	if len(values) == 0 {
		return errors.Errorf("%q has no values", name)
	}
	var m *gocca.OCCAMemory
	if r.floatType == Float32 {
		v32 := make([]float32, len(values))
		for i, v := range values {
			v32[i] = float32(v)
		}
		m = r.device.Malloc(int64(len(v32))*4, unsafe.Pointer(&v32[0]), nil)
	} else {
		m = r.device.Malloc(int64(len(values))*8, unsafe.Pointer(&values[0]), nil)
	}
	r.mem[name] = memEntry{mem: m, values: len(values)}
	return nil
}

// AddDeviceMatrix uploads a row-major operator under the given name,
// transposed to the column-major layout the generated kernels index.
func (r *Runner) AddDeviceMatrix(name string, m mat.Matrix) error {
	if name == "K" {
		return errors.New(`"K" names the partition sizes`)
	}
	rows, cols := m.Dims()
	flipped := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			flipped[j*rows+i] = m.At(i, j)
		}
	}
	return errors.Wrapf(r.upload(name, flipped), "matrix %q", name)
}

// AllocBuffer uploads host values into a named device buffer at the
// runner's precision.
func (r *Runner) AllocBuffer(name string, values []float64) error {
	if name == "K" {
		return errors.New(`"K" names the partition sizes`)
	}
	return errors.Wrapf(r.upload(name, values), "buffer %q", name)
}

// ReadBuffer copies a named device buffer back into out, which must
// hold exactly the uploaded length.
func (r *Runner) ReadBuffer(name string, out []float64) error {
	e, ok := r.mem[name]
	if !ok {
		return errors.Errorf("%q is not on the device", name)
	}
	if len(out) != e.values {
		return errors.Errorf("%q holds %d values, the destination has %d", name, e.values, len(out))
	}
	if r.floatType == Float32 {
		v32 := make([]float32, e.values)
		e.mem.CopyTo(unsafe.Pointer(&v32[0]), int64(e.values)*4)
		for i, v := range v32 {
			out[i] = float64(v)
		}
		return nil
	}
	e.mem.CopyTo(unsafe.Pointer(&out[0]), int64(e.values)*8)
	return nil
}

// BuildKernel compiles OKL source and registers the kernel under its
// entry-point name, replacing any previous build. OpenMP builds force
// -O3, which the backend otherwise drops.
func (r *Runner) BuildKernel(source, name string) (*gocca.OCCAKernel, error) {
	var kernel *gocca.OCCAKernel
	var err error
	if r.device.Mode() == "OpenMP" {
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = r.device.BuildKernelFromString(source, name, props)
	} else {
		kernel, err = r.device.BuildKernelFromString(source, name, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "building kernel %s", name)
	}
	if kernel == nil {
		return nil, errors.Errorf("kernel %s built to nil", name)
	}
	if old, exists := r.kernels[name]; exists {
		old.Free()
	}
	r.kernels[name] = kernel
	return kernel, nil
}

// RunProlongate runs a built kernel with the K array bound first.
// String arguments name device buffers or matrices, everything else
// passes through as a scalar. Blocks until the device finishes.
func (r *Runner) RunProlongate(kernel string, args ...interface{}) error {
	kn, ok := r.kernels[kernel]
	if !ok {
		return errors.Errorf("kernel %s is not built", kernel)
	}
	expanded := make([]interface{}, 0, len(args)+1)
	expanded = append(expanded, r.mem["K"].mem)
	for _, a := range args {
		if name, isName := a.(string); isName {
			e, exists := r.mem[name]
			if !exists {
				return errors.Errorf("%q is not on the device", name)
			}
			expanded = append(expanded, e.mem)
			continue
		}
		expanded = append(expanded, a)
	}
	if err := kn.RunWithArgs(expanded...); err != nil {
		return errors.Wrapf(err, "running kernel %s", kernel)
	}
	r.device.Finish()
	return nil
}

// Free releases every kernel and buffer the runner holds. The device
// itself stays open.
func (r *Runner) Free() {
	for _, k := range r.kernels {
		k.Free()
	}
	for _, e := range r.mem {
		e.mem.Free()
	}
	r.kernels = nil
	r.mem = nil
}
