package delta

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
	"github.com/grafana/ptoa/pkg/varint"
)

const (
	// MiniblockUnit is the granularity of the miniblock value count.
	MiniblockUnit = 32
	// MaxMiniblocksPerBlock bounds the block header size, which has to fit
	// in the aligner window together with one transfer word.
	MaxMiniblocksPerBlock = 256
	// MaxHeaderBytes is the largest page or block header the reader accepts.
	MaxHeaderBytes = 10 + MaxMiniblocksPerBlock
)

type descriptorKind uint8

const (
	kindPageStart descriptorKind = iota
	kindMiniblock
	kindPageEnd
)

// descriptor is what the header reader hands to the unpacker. skip is the
// number of header bytes preceding the described data on the stream.
type descriptor struct {
	kind descriptorKind
	skip int

	// page start
	page       stream.Page
	firstValue int64

	// miniblock
	width    int
	minDelta int64
	bytes    int
	size     int // values in the miniblock, padding included
	values   int // values to emit
}

type headerState uint8

const (
	headerIdle headerState = iota
	headerPage
	headerBlock
	headerMiniblocks
)

func (s headerState) String() string {
	switch s {
	case headerIdle:
		return "idle"
	case headerPage:
		return "page_header"
	case headerBlock:
		return "block_header"
	case headerMiniblocks:
		return "miniblocks"
	default:
		return "unknown"
	}
}

// HeaderReader parses the DELTA_BINARY_PACKED page and block headers of
// every page. It reads the headers from its own port and skips the
// miniblock bodies, which are unpacked by the unpacker on another port.
type HeaderReader struct {
	logger log.Logger
	state  headerState

	unsigned *varint.Decoder
	signed   *varint.Decoder
	widths   []byte
}

func NewHeaderReader(logger log.Logger) *HeaderReader {
	return &HeaderReader{
		logger:   log.With(logger, "component", "delta_header"),
		unsigned: varint.NewDecoder(64, false),
		signed:   varint.NewDecoder(64, true),
		widths:   make([]byte, 0, 8),
	}
}

// Run parses the pages announced on pages and emits their descriptors on
// out, which is closed once pages is closed and every page is retired.
func (h *HeaderReader) Run(ctx context.Context, pages <-chan stream.Page, port stream.Port, out chan<- descriptor) error {
	r := stream.NewReader(port)
	for seq := 0; ; seq++ {
		h.state = headerIdle
		page, ok, err := stream.Recv(ctx, pages)
		if err != nil {
			return err
		}
		if !ok {
			close(out)
			return nil
		}
		if err := h.page(ctx, r, page, out); err != nil {
			return errors.Wrapf(err, "delta page %d (state %s)", seq, h.state)
		}
	}
}

func (h *HeaderReader) page(ctx context.Context, r *stream.Reader, page stream.Page, out chan<- descriptor) error {
	start := r.Count()
	h.state = headerPage
	blockSize, err := h.readUnsigned(ctx, r)
	if err != nil {
		return err
	}
	miniblocks, err := h.readUnsigned(ctx, r)
	if err != nil {
		return err
	}
	total, err := h.readUnsigned(ctx, r)
	if err != nil {
		return err
	}
	first, err := h.readSigned(ctx, r)
	if err != nil {
		return err
	}
	switch {
	case miniblocks == 0 || miniblocks > MaxMiniblocksPerBlock:
		return errors.Wrapf(stream.ErrFraming, "%d miniblocks per block", miniblocks)
	case blockSize%miniblocks != 0 || (blockSize/miniblocks)%MiniblockUnit != 0 || blockSize == 0:
		return errors.Wrapf(stream.ErrFraming, "block size %d is not split into miniblocks of a multiple of %d values", blockSize, MiniblockUnit)
	case total != uint64(page.NumValues):
		return errors.Wrapf(stream.ErrFraming, "header declares %d values, page %d", total, page.NumValues)
	}
	size := int(blockSize / miniblocks)
	level.Debug(h.logger).Log("msg", "page header", "page", page, "block_size", blockSize, "miniblocks", miniblocks, "first_value", first)

	if err := stream.Send(ctx, out, descriptor{
		kind:       kindPageStart,
		skip:       int(r.Count() - start),
		page:       page,
		firstValue: first,
	}); err != nil {
		return err
	}

	// the first value is carried by the header, every miniblock adds size
	// values, padding included
	remaining := int64(total) - 1
	for remaining > 0 {
		h.state = headerBlock
		blockStart := r.Count()
		minDelta, err := h.readSigned(ctx, r)
		if err != nil {
			return err
		}
		h.widths = h.widths[:0]
		for i := uint64(0); i < miniblocks; i++ {
			b, err := r.ReadByte(ctx)
			if err != nil {
				return err
			}
			h.widths = append(h.widths, b)
		}
		skip := int(r.Count() - blockStart)

		h.state = headerMiniblocks
		for _, w := range h.widths {
			if remaining <= 0 {
				// unneeded miniblocks of the last block have no body
				break
			}
			if w > MaxBitWidth {
				return errors.Wrapf(stream.ErrFraming, "bit width %d", w)
			}
			d := descriptor{
				kind:     kindMiniblock,
				skip:     skip,
				width:    int(w),
				minDelta: minDelta,
				bytes:    int(w) * size / 8,
				size:     size,
				values:   int(min(int64(size), remaining)),
			}
			if err := stream.Send(ctx, out, d); err != nil {
				return err
			}
			r.Skip(d.bytes)
			remaining -= int64(size)
			skip = 0
		}
	}

	if consumed := r.Count() - start; consumed != int64(page.UncompressedSize) {
		return errors.Wrapf(stream.ErrFraming, "consumed %d bytes, page declares %d", consumed, page.UncompressedSize)
	}
	r.Release()
	return stream.Send(ctx, out, descriptor{kind: kindPageEnd, page: page})
}

func (h *HeaderReader) readUnsigned(ctx context.Context, r *stream.Reader) (uint64, error) {
	if err := h.unsigned.Read(func() (byte, error) { return r.ReadByte(ctx) }); err != nil {
		return 0, err
	}
	return h.unsigned.Uint64(), nil
}

func (h *HeaderReader) readSigned(ctx context.Context, r *stream.Reader) (int64, error) {
	if err := h.signed.Read(func() (byte, error) { return r.ReadByte(ctx) }); err != nil {
		return 0, err
	}
	return h.signed.Int64(), nil
}
