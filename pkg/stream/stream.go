// Package stream holds the handshake primitives shared by the decode stages:
// page descriptors, the consumer Port, bounded links and the output packer.
package stream

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
)

// Page is the page-start descriptor. It is announced once, ahead of the
// page payload, on a side channel.
type Page struct {
	NumValues        uint32
	CompressedSize   uint32
	UncompressedSize uint32
}

func (p Page) String() string {
	return fmt.Sprintf("{values=%d compressed=%d uncompressed=%d}", p.NumValues, p.CompressedSize, p.UncompressedSize)
}

// Port is a consumer's view of a realigned byte stream.
type Port interface {
	// Next blocks until a word is available at the consumer cursor. The word
	// is shorter than the transfer width only at the end of the stream; once
	// the stream is drained Next returns io.EOF.
	Next(ctx context.Context) ([]byte, error)
	// Consume advances the cursor by n bytes. n may exceed the length of the
	// last word: the bytes in between are skipped without being delivered.
	Consume(n int)
}

// Decoder is a page decoder reading one or more aligner ports.
type Decoder interface {
	// Ports returns the number of aligner ports the decoder reads.
	Ports() int
	// MinAlignDepth returns the smallest aligner depth, in words, the
	// decoder can run behind without stalling.
	MinAlignDepth() int
	// Run decodes the pages announced on pages. Decoded pages are announced
	// on outPages and their values sent on out; both are closed on success.
	Run(ctx context.Context, pages <-chan Page, ports []Port, outPages chan<- Page, out chan<- []byte) error
}

// Send transfers v on ch once the receiver is ready.
func Send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for a value on ch. ok is false once ch is closed.
func Recv[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// CeilDiv returns a/b rounded up.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}

// Reader reads a Port byte by byte. Consumption is reported to the port when
// a word is exhausted, on Skip and on Release, so the port cursor never runs
// ahead of what was actually read.
type Reader struct {
	port Port
	word []byte
	pos  int
	n    int64
}

func NewReader(p Port) *Reader {
	return &Reader{port: p}
}

// ReadByte returns the next byte of the stream.
func (r *Reader) ReadByte(ctx context.Context) (byte, error) {
	if err := r.fill(ctx); err != nil {
		return 0, err
	}
	b := r.word[r.pos]
	r.pos++
	r.n++
	return b, nil
}

// ReadSome returns at most n bytes from the current word, fetching the next
// word first if the current one is exhausted.
func (r *Reader) ReadSome(ctx context.Context, n int) ([]byte, error) {
	if err := r.fill(ctx); err != nil {
		return nil, err
	}
	m := min(n, len(r.word)-r.pos)
	b := r.word[r.pos : r.pos+m]
	r.pos += m
	r.n += int64(m)
	return b, nil
}

func (r *Reader) fill(ctx context.Context) error {
	for r.pos == len(r.word) {
		r.Release()
		w, err := r.port.Next(ctx)
		if err != nil {
			return err
		}
		if len(w) == 0 {
			return io.ErrUnexpectedEOF
		}
		r.word = w
	}
	return nil
}

// Skip discards the next n bytes without reading them.
func (r *Reader) Skip(n int) {
	if n <= 0 {
		return
	}
	if rem := len(r.word) - r.pos; n <= rem {
		r.pos += n
		r.n += int64(n)
		return
	}
	r.Release()
	r.port.Consume(n)
	r.n += int64(n)
}

// Release reports the bytes read so far to the port and drops the cached
// word.
func (r *Reader) Release() {
	if r.pos > 0 {
		r.port.Consume(r.pos)
	}
	r.word, r.pos = nil, 0
}

// Count returns the number of bytes read or skipped.
func (r *Reader) Count() int64 { return r.n }

// Packer accumulates bytes into transfer-width words and sends every full
// word downstream. A partial word is only sent by Flush.
type Packer struct {
	width int
	out   chan<- []byte
	buf   []byte
	sent  int64
}

func NewPacker(width int, out chan<- []byte) *Packer {
	return &Packer{width: width, out: out, buf: make([]byte, 0, width)}
}

func (p *Packer) Write(ctx context.Context, b []byte) error {
	for len(b) > 0 {
		n := min(p.width-len(p.buf), len(b))
		p.buf = append(p.buf, b[:n]...)
		b = b[n:]
		if len(p.buf) == p.width {
			if err := p.send(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush sends the buffered partial word, if any.
func (p *Packer) Flush(ctx context.Context) error {
	if len(p.buf) == 0 {
		return nil
	}
	return p.send(ctx)
}

// Pending returns the number of buffered bytes.
func (p *Packer) Pending() int { return len(p.buf) }

// Sent returns the number of bytes sent downstream.
func (p *Packer) Sent() int64 { return p.sent }

func (p *Packer) send(ctx context.Context) error {
	w := p.buf
	if err := Send(ctx, p.out, w); err != nil {
		return err
	}
	p.sent += int64(len(w))
	p.buf = make([]byte, 0, p.width)
	return nil
}
