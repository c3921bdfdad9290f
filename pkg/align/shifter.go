package align

// shifter realigns a two-word window by an arbitrary bit amount. The shift
// is decomposed into the binary levels of the amount and the levels are
// spread over a fixed number of stages, the way a pipelined barrel shifter
// would be. The result does not depend on the stage count.
type shifter struct {
	width  int   // bytes per word
	stages []int // bit mask of the shift amount handled by each stage
}

func newShifter(width, stages int) *shifter {
	levels := 0
	for 1<<levels < width*8 {
		levels++
	}
	stages = max(1, min(stages, levels))
	s := &shifter{width: width, stages: make([]int, stages)}
	for l := 0; l < levels; l++ {
		st := l * stages / levels
		s.stages[st] |= 1 << l
	}
	return s
}

// shift shifts window (2*width bytes, least significant byte first) right by
// amt bits and returns the low width bytes. window is modified.
func (s *shifter) shift(window []byte, amt int) []byte {
	for _, mask := range s.stages {
		if a := amt & mask; a != 0 {
			shiftRight(window, a)
		}
	}
	return window[:s.width]
}

// shiftRight shifts the little-endian bit string b right by n bits, filling
// with zeros.
func shiftRight(b []byte, n int) {
	bytes, bits := n/8, uint(n%8)
	for i := range b {
		var lo, hi byte
		if j := i + bytes; j < len(b) {
			lo = b[j]
		}
		if j := i + bytes + 1; j < len(b) {
			hi = b[j]
		}
		if bits == 0 {
			b[i] = lo
		} else {
			b[i] = lo>>bits | hi<<(8-bits)
		}
	}
}
