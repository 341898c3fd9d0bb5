package binary

// put/get helpers for the frame headers.
// big-endian, sized to the header fields below.

func put24(dst []byte, val int) {
	dst[0] = byte((val & 0xff0000) >> 16)
	dst[1] = byte((val & 0xff00) >> 8)
	dst[2] = byte(val & 0xff)
}

func get24(src []byte) int {
	return int(src[0])<<16 + int(src[1])<<8 + int(src[2])
}

func put32(dst []byte, val int) {
	dst[0] = byte((val & 0xff000000) >> 24)
	dst[1] = byte((val & 0xff0000) >> 16)
	dst[2] = byte((val & 0xff00) >> 8)
	dst[3] = byte(val & 0xff)
}

func get32(src []byte) int {
	return int(src[0])<<24 + int(src[1])<<16 + int(src[2])<<8 + int(src[3])
}

func put64(dst []byte, val uint64) {
	dst[0] = byte((val & 0xff00000000000000) >> 56)
	dst[1] = byte((val & 0xff000000000000) >> 48)
	dst[2] = byte((val & 0xff0000000000) >> 40)
	dst[3] = byte((val & 0xff00000000) >> 32)
	dst[4] = byte((val & 0xff000000) >> 24)
	dst[5] = byte((val & 0xff0000) >> 16)
	dst[6] = byte((val & 0xff00) >> 8)
	dst[7] = byte(val & 0xff)
}

func get64(src []byte) uint64 {
	return uint64(src[0])<<56 + uint64(src[1])<<48 + uint64(src[2])<<40 +
		uint64(src[3])<<32 + uint64(src[4])<<24 + uint64(src[5])<<16 +
		uint64(src[6])<<8 + uint64(src[7])
}
