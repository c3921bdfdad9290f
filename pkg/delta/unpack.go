package delta

import (
	"context"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

// errLimitReached stops the unpacker once the requested number of values
// has been emitted. Its outputs are closed before it is returned.
var errLimitReached = errors.New("value limit reached")

// Unpacker reconstructs the delta encoded values from the miniblock bodies.
// It reads its own port, skips the header bytes described by the header
// reader and unpacks Table.Count(w) values per step.
type Unpacker struct {
	logger  log.Logger
	metrics *stream.Metrics
	table   *Table

	elemSize int
	limit    int64

	carry   carry
	value   int64
	emitted int64 // values emitted in the current page
	total   int64
	scratch [8]byte
}

func NewUnpacker(cfg Config, table *Table, metrics *stream.Metrics, logger log.Logger) *Unpacker {
	return &Unpacker{
		logger:   log.With(logger, "component", "delta_unpack"),
		metrics:  metrics,
		table:    table,
		elemSize: cfg.PrimitiveWidth,
		limit:    cfg.TotalValues,
	}
}

// Run consumes descriptors until in is closed. Page descriptors are forwarded
// on pages ahead of the page values, which are packed into transfer words
// on out.
func (u *Unpacker) Run(ctx context.Context, in <-chan descriptor, port stream.Port, pages chan<- stream.Page, out *stream.Packer, closeOut func()) error {
	r := stream.NewReader(port)
	var start int64
	for {
		d, ok, err := stream.Recv(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		r.Skip(d.skip)

		switch d.kind {
		case kindPageStart:
			start = r.Count() - int64(d.skip)
			u.emitted = 0
			u.value = d.firstValue
			if err := stream.Send(ctx, pages, d.page); err != nil {
				return err
			}
			if d.page.NumValues > 0 {
				if err := u.emit(ctx, out, u.value); err != nil {
					return u.finish(ctx, out, closeOut, err)
				}
			}

		case kindMiniblock:
			if err := u.miniblock(ctx, r, out, d); err != nil {
				return u.finish(ctx, out, closeOut, err)
			}

		case kindPageEnd:
			if u.emitted != int64(d.page.NumValues) {
				return errors.Wrapf(stream.ErrFraming, "emitted %d values, page declares %d", u.emitted, d.page.NumValues)
			}
			r.Release()
			u.metrics.PageDone("delta", r.Count()-start)
			u.metrics.ValuesDecoded("delta", int(u.emitted))
			level.Debug(u.logger).Log("msg", "page done", "page", d.page, "total", u.total)
		}
	}
	return u.finish(ctx, out, closeOut, nil)
}

// finish flushes the last partial word and closes the outputs when the run
// completed or the value limit was reached.
func (u *Unpacker) finish(ctx context.Context, out *stream.Packer, closeOut func(), err error) error {
	if err != nil && !errors.Is(err, errLimitReached) {
		return err
	}
	if ferr := out.Flush(ctx); ferr != nil {
		return ferr
	}
	closeOut()
	return err
}

func (u *Unpacker) miniblock(ctx context.Context, r *stream.Reader, out *stream.Packer, d descriptor) error {
	c := u.table.Count(d.width)
	need := u.table.Shift(d.width)
	remaining := d.bytes
	u.carry.reset()

	for taken := 0; taken < d.size; taken += c {
		for u.carry.bits() < need {
			b, err := r.ReadSome(ctx, remaining)
			if err != nil {
				return errors.Wrap(err, "reading miniblock")
			}
			u.carry.push(b)
			remaining -= len(b)
		}
		for i := 0; i < c; i++ {
			var delta uint64
			if d.width > 0 {
				delta = u.carry.take(d.width)
			}
			if taken+i >= d.values {
				// padding of the last miniblock
				continue
			}
			u.value += d.minDelta + int64(delta)
			if err := u.emit(ctx, out, u.value); err != nil {
				return err
			}
		}
	}
	if remaining != 0 || u.carry.bits() != 0 {
		return errors.Wrapf(stream.ErrFraming, "miniblock of width %d left %d bytes and %d bits", d.width, remaining, u.carry.bits())
	}
	return nil
}

func (u *Unpacker) emit(ctx context.Context, out *stream.Packer, v int64) error {
	if u.elemSize == 4 {
		binary.LittleEndian.PutUint32(u.scratch[:], uint32(v))
	} else {
		binary.LittleEndian.PutUint64(u.scratch[:], uint64(v))
	}
	if err := out.Write(ctx, u.scratch[:u.elemSize]); err != nil {
		return err
	}
	u.emitted++
	u.total++
	if u.limit > 0 && u.total >= u.limit {
		return errLimitReached
	}
	return nil
}
