// Package align realigns a byte stream that starts at an arbitrary bit
// offset and fans it out to several independent consumers.
package align

import (
	"context"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

type Config struct {
	// Width is the transfer width in bytes.
	Width int
	// Consumers is the number of ports.
	Consumers int
	// Stages is the number of steps the bit shift is spread over.
	Stages int
	// Depth is the number of words buffered ahead of the slowest consumer.
	Depth int
}

// Aligner reads the source stream exactly once and serves every consumer
// from a shared buffer. Bytes are released once all consumers have moved
// past them; a full buffer stops the source until the slowest consumer
// catches up.
type Aligner struct {
	cfg     Config
	logger  log.Logger
	shifter *shifter

	mu      sync.Mutex
	changed chan struct{}

	offset  int64 // initial bit offset
	aligned bool
	buf     []byte
	base    int64 // source position of buf[0]
	eof     bool
	err     error
	cursors []int64
}

func New(cfg Config, logger log.Logger) *Aligner {
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if cfg.Depth < 4 {
		cfg.Depth = 4
	}
	return &Aligner{
		cfg:     cfg,
		logger:  log.With(logger, "component", "aligner"),
		shifter: newShifter(cfg.Width, cfg.Stages),
		changed: make(chan struct{}),
		cursors: make([]int64, cfg.Consumers),
	}
}

// Port returns the view of consumer i.
func (a *Aligner) Port(i int) stream.Port {
	return &port{a: a, id: i}
}

// Window returns the number of bytes the aligner buffers.
func (a *Aligner) Window() int { return a.cfg.Depth * a.cfg.Width }

// Run receives the initial bit offset from alignment, then reads src until
// it is closed.
func (a *Aligner) Run(ctx context.Context, alignment <-chan int, src <-chan []byte) (err error) {
	defer func() {
		a.mu.Lock()
		a.eof = true
		if err != nil {
			a.err = err
		}
		a.notifyLocked()
		a.mu.Unlock()
	}()

	off, ok, err := stream.Recv(ctx, alignment)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if off < 0 || off >= a.cfg.Width*8 {
		return errors.Errorf("align: offset %d bits outside of a %d byte word", off, a.cfg.Width)
	}
	level.Debug(a.logger).Log("msg", "alignment received", "offset_bits", off)
	a.mu.Lock()
	a.offset = int64(off)
	a.aligned = true
	a.notifyLocked()
	a.mu.Unlock()

	for {
		if err := a.waitRoom(ctx); err != nil {
			return err
		}
		w, ok, err := stream.Recv(ctx, src)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		a.mu.Lock()
		a.buf = append(a.buf, w...)
		a.trimLocked()
		a.notifyLocked()
		a.mu.Unlock()
	}
}

func (a *Aligner) waitRoom(ctx context.Context) error {
	for {
		a.mu.Lock()
		if len(a.buf) < a.Window() {
			a.mu.Unlock()
			return nil
		}
		changed := a.changed
		a.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Aligner) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// size returns the number of realigned bytes available to consumers.
func (a *Aligner) sizeLocked() int64 {
	bits := (a.base+int64(len(a.buf)))*8 - a.offset
	if bits < 0 {
		return 0
	}
	return bits / 8
}

func (a *Aligner) next(ctx context.Context, id int) ([]byte, error) {
	width := int64(a.cfg.Width)
	for {
		a.mu.Lock()
		if a.aligned || a.eof {
			cur := a.cursors[id]
			avail := a.sizeLocked() - cur
			if avail >= width || (a.eof && avail > 0) {
				w := a.windowLocked(cur, min(avail, width))
				a.mu.Unlock()
				return w, nil
			}
			if a.eof {
				err := a.err
				a.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
		}
		changed := a.changed
		a.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// windowLocked extracts n realigned bytes starting at output position cur.
func (a *Aligner) windowLocked(cur, n int64) []byte {
	width := int64(a.cfg.Width)
	pos := a.offset + cur*8 // source bit position
	start := pos / 8 / width * width
	window := make([]byte, 2*width)
	lo := start - a.base
	hi := min(lo+2*width, int64(len(a.buf)))
	copy(window, a.buf[lo:hi])
	w := a.shifter.shift(window, int(pos-start*8))
	return w[:n]
}

func (a *Aligner) consume(id, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursors[id] += int64(n)
	a.trimLocked()
	a.notifyLocked()
}

// trimLocked releases the words every consumer has moved past, including
// bytes that were skipped before they arrived.
func (a *Aligner) trimLocked() {
	low := a.cursors[0]
	for _, c := range a.cursors[1:] {
		low = min(low, c)
	}
	width := int64(a.cfg.Width)
	keep := (a.offset + low*8) / 8 / width * width
	if drop := keep - a.base; drop > 0 {
		drop = min(drop, int64(len(a.buf)))
		a.buf = a.buf[drop:]
		a.base += drop
	}
}

type port struct {
	a  *Aligner
	id int
}

func (p *port) Next(ctx context.Context) ([]byte, error) { return p.a.next(ctx, p.id) }

func (p *port) Consume(n int) { p.a.consume(p.id, n) }
