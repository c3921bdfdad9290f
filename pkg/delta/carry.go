package delta

// carry is the residual register of the bit unpacker. Bytes are appended as
// they arrive and values are taken least significant bit first, the Parquet
// bit-packing order.
type carry struct {
	buf []byte
	bit uint // bits of buf[0] already taken
}

func (c *carry) bits() int { return len(c.buf)*8 - int(c.bit) }

func (c *carry) push(b []byte) {
	if c.bit == 0 && len(c.buf) == 0 {
		c.buf = append(c.buf[:0], b...)
		return
	}
	c.buf = append(c.buf, b...)
}

// take removes the next w bits (w <= 64).
func (c *carry) take(w int) uint64 {
	var v uint64
	got := 0
	for got < w {
		n := min(8-int(c.bit), w-got)
		bits := uint64(c.buf[0]>>c.bit) & (1<<uint(n) - 1)
		v |= bits << uint(got)
		got += n
		c.bit += uint(n)
		if c.bit == 8 {
			c.buf = c.buf[1:]
			c.bit = 0
		}
	}
	return v
}

func (c *carry) reset() {
	c.buf = c.buf[:0]
	c.bit = 0
}
