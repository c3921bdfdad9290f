// Package plain decodes PLAIN encoded pages of fixed width primitives.
package plain

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

type Config struct {
	// PrimitiveWidth is the element size in bytes.
	PrimitiveWidth int
	// TransferWidth is the input and output word size in bytes.
	TransferWidth int
	// TotalValues stops the decoder after that many values. Zero decodes
	// everything.
	TotalValues int64
}

type state uint8

const (
	stateIdle state = iota
	stateDecoding
	stateDone
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDecoding:
		return "decoding"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Decoder copies the little-endian elements of every page to the output
// stream. Output words are not flushed at page boundaries: when a page ends
// in the middle of a word, the elements of the next page complete it.
type Decoder struct {
	cfg     Config
	metrics *stream.Metrics
	logger  log.Logger

	state        state
	pageValues   int64
	pageCounter  int64
	totalCounter int64
}

func NewDecoder(cfg Config, metrics *stream.Metrics, logger log.Logger) *Decoder {
	return &Decoder{
		cfg:     cfg,
		metrics: metrics,
		logger:  log.With(logger, "component", "plain"),
	}
}

// Ports returns the number of aligner ports the decoder reads.
func (d *Decoder) Ports() int { return 1 }

// MinAlignDepth returns the aligner depth needed by the decoder.
func (d *Decoder) MinAlignDepth() int { return 2 }

// ElementsPerStep returns the number of elements emitted per output word.
func (d *Decoder) ElementsPerStep() int {
	return max(1, d.cfg.TransferWidth/d.cfg.PrimitiveWidth)
}

// Run decodes the pages announced on pages. Decoded pages are announced on
// outPages and their values sent on out; both are closed on success.
func (d *Decoder) Run(ctx context.Context, pages <-chan stream.Page, ports []stream.Port, outPages chan<- stream.Page, out chan<- []byte) error {
	if len(ports) != d.Ports() {
		return errors.Errorf("plain decoder needs %d ports, got %d", d.Ports(), len(ports))
	}
	r := stream.NewReader(ports[0])
	packer := stream.NewPacker(d.cfg.TransferWidth, out)
	step := d.ElementsPerStep() * d.cfg.PrimitiveWidth
	elem := int64(d.cfg.PrimitiveWidth)

	d.state = stateIdle
	for seq := 0; d.state != stateDone; seq++ {
		page, ok, err := stream.Recv(ctx, pages)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if int64(page.UncompressedSize) != int64(page.NumValues)*elem {
			return errors.Wrapf(stream.ErrFraming, "plain page %d: %d bytes for %d values of %d bytes", seq, page.UncompressedSize, page.NumValues, elem)
		}
		if err := stream.Send(ctx, outPages, page); err != nil {
			return err
		}
		d.state = stateDecoding
		d.pageValues = int64(page.NumValues)
		d.pageCounter = 0
		start := r.Count()

		for d.pageCounter < d.pageValues {
			n := min(d.pageValues-d.pageCounter, int64(step)/elem)
			if d.cfg.TotalValues > 0 {
				n = min(n, d.cfg.TotalValues-d.totalCounter)
			}
			if err := d.copy(ctx, r, packer, int(n*elem)); err != nil {
				return errors.Wrapf(err, "plain page %d (state %s)", seq, d.state)
			}
			d.pageCounter += n
			d.totalCounter += n
			if d.cfg.TotalValues > 0 && d.totalCounter >= d.cfg.TotalValues {
				d.state = stateDone
				break
			}
		}
		r.Release()
		d.metrics.PageDone("plain", r.Count()-start)
		d.metrics.ValuesDecoded("plain", int(d.pageCounter))
		level.Debug(d.logger).Log("msg", "page done", "page", page, "values", d.pageCounter, "total", d.totalCounter)
		if d.state != stateDone {
			d.state = stateIdle
		}
	}

	if err := packer.Flush(ctx); err != nil {
		return err
	}
	close(outPages)
	close(out)
	return nil
}

func (d *Decoder) copy(ctx context.Context, r *stream.Reader, p *stream.Packer, n int) error {
	for n > 0 {
		b, err := r.ReadSome(ctx, n)
		if err != nil {
			return err
		}
		if err := p.Write(ctx, b); err != nil {
			return err
		}
		n -= len(b)
	}
	return nil
}
