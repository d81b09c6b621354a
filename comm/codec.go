package comm

import (
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/outofforest/photon"
)

// Int64sToBytes reinterprets an int64 slice as its raw bytes without
// copying. The result aliases the input.
func Int64sToBytes(vs []int64) []byte {
	if len(vs) == 0 {
		return nil
	}
	return photon.SliceFromPointer[byte](unsafe.Pointer(&vs[0]), 8*len(vs))
}

// BytesToInt64s reinterprets a payload produced by Int64sToBytes. The
// result aliases the input.
func BytesToInt64s(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	return photon.SliceFromPointer[int64](unsafe.Pointer(&b[0]), len(b)/8)
}

// Float64sToBytes reinterprets a float64 slice as its raw bytes
// without copying. The result aliases the input.
func Float64sToBytes(vs []float64) []byte {
	if len(vs) == 0 {
		return nil
	}
	return photon.SliceFromPointer[byte](unsafe.Pointer(&vs[0]), 8*len(vs))
}

// BytesToFloat64s reinterprets a payload produced by Float64sToBytes.
// The result aliases the input.
func BytesToFloat64s(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return photon.SliceFromPointer[float64](unsafe.Pointer(&b[0]), len(b)/8)
}

// DigestInt64s hashes an index list; exchange symmetry checks compare
// digests instead of shipping full lists.
func DigestInt64s(vs []int64) uint64 {
	return xxhash.Sum64(Int64sToBytes(vs))
}
