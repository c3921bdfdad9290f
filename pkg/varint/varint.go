// Package varint decodes LEB128 variable-length integers one byte at a time.
package varint

import (
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

// Decoder accumulates a varint of a fixed maximum bit width. The zero value
// is not usable, use NewDecoder.
type Decoder struct {
	bits     int
	zigzag   bool
	maxBytes int

	acc   uint64
	shift uint
	n     int
	done  bool
}

// NewDecoder returns a decoder for integers of the given width in bits
// (1..64). If zigzag is set, Int64 returns the zigzag-decoded value.
func NewDecoder(bits int, zigzag bool) *Decoder {
	if bits < 1 || bits > 64 {
		panic("varint: invalid width")
	}
	return &Decoder{
		bits:     bits,
		zigzag:   zigzag,
		maxBytes: stream.CeilDiv(bits, 7),
	}
}

// MaxBytes returns the largest number of bytes an integer of the decoder's
// width can be encoded in.
func (d *Decoder) MaxBytes() int { return d.maxBytes }

// Feed consumes one byte. It reports true once the terminating byte has been
// consumed; the decoder must be Reset before it is fed again.
func (d *Decoder) Feed(b byte) (bool, error) {
	if d.done {
		return true, errors.New("varint: feed after completion")
	}
	if d.n == d.maxBytes {
		return false, errors.Wrapf(stream.ErrVarIntOverflow, "no terminating byte within %d bytes", d.maxBytes)
	}
	d.acc |= uint64(b&0x7f) << d.shift
	d.shift += 7
	d.n++
	if b&0x80 != 0 {
		if d.n == d.maxBytes {
			return false, errors.Wrapf(stream.ErrVarIntOverflow, "no terminating byte within %d bytes", d.maxBytes)
		}
		return false, nil
	}
	if d.bits < 64 {
		d.acc &= 1<<d.bits - 1
	}
	d.done = true
	return true, nil
}

// Done reports whether a complete integer has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Len returns the number of bytes consumed so far.
func (d *Decoder) Len() int { return d.n }

// Uint64 returns the accumulated unsigned value.
func (d *Decoder) Uint64() uint64 { return d.acc }

// Int64 returns the decoded signed value. Without zigzag the accumulated
// value is sign-extended from the decoder width.
func (d *Decoder) Int64() int64 {
	if d.zigzag {
		return Zigzag(d.acc)
	}
	if d.bits == 64 {
		return int64(d.acc)
	}
	shift := 64 - d.bits
	return int64(d.acc<<shift) >> shift
}

func (d *Decoder) Reset() {
	d.acc, d.shift, d.n, d.done = 0, 0, 0, false
}

// Zigzag maps an unsigned zigzag encoded value back to its signed form.
func Zigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// Read decodes one integer pulling bytes from next. The decoder is reset
// first.
func (d *Decoder) Read(next func() (byte, error)) error {
	d.Reset()
	for {
		b, err := next()
		if err != nil {
			return err
		}
		done, err := d.Feed(b)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
