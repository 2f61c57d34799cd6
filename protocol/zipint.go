package protocol

import "encoding/binary"

// ZipUint64 packs an integer into its shortest little-endian byte string.
// Zero packs to the empty string.
func ZipUint64(v uint64) []byte {
	buf := [8]byte{}
	i := 0
	for v > 0 {
		buf[i] = uint8(v)
		v >>= 8
		i++
	}
	return buf[0:i]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v <<= 8
		v |= uint64(zip[i])
	}
	return
}

func ZigZagInt64(i int64) uint64 {
	return uint64(i*2) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	half := u >> 1
	mask := -(u & 1)
	return int64(half ^ mask)
}

func ZipInt64(v int64) []byte {
	return ZipUint64(ZigZagInt64(v))
}

func UnzipInt64(zip []byte) int64 {
	return ZagZigUint64(UnzipUint64(zip))
}

// ZipUint16Pair packs a fixed 16-bit value followed by a zipped integer.
// Used for (tick, counter) style pairs where the first always fits 16 bits.
func ZipUint16Pair(big uint16, lil uint64) []byte {
	ret := make([]byte, 2, 10)
	binary.LittleEndian.PutUint16(ret, big)
	return append(ret, ZipUint64(lil)...)
}

func UnzipUint16Pair(zip []byte) (big uint16, lil uint64) {
	if len(zip) < 2 {
		return 0, 0
	}
	big = binary.LittleEndian.Uint16(zip[:2])
	lil = UnzipUint64(zip[2:])
	return
}
