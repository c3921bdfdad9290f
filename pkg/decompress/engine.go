package decompress

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

// chunk is one transfer of the engine input handshake. count is the number
// of valid bytes in data; last marks the final chunk of a page.
type chunk struct {
	data  []byte
	last  bool
	count int
}

// engine runs a codec behind the data/last/count handshake. It collects the
// chunks of a page until last, decompresses the page and hands the result
// to the emitter. Pages are processed in the order they are assigned.
type engine struct {
	id     int
	codec  Codec
	logger log.Logger

	jobs    chan stream.Page
	chunks  chan chunk
	results chan []byte

	src []byte
}

func newEngine(id int, codec Codec, depth int, logger log.Logger) *engine {
	return &engine{
		id:      id,
		codec:   codec,
		logger:  log.With(logger, "engine", id, "codec", codec.Name()),
		jobs:    make(chan stream.Page, depth),
		chunks:  make(chan chunk, depth),
		results: make(chan []byte, 1),
	}
}

func (e *engine) run(ctx context.Context) error {
	for {
		page, ok, err := stream.Recv(ctx, e.jobs)
		if err != nil {
			return err
		}
		if !ok {
			close(e.results)
			return nil
		}
		e.src = e.src[:0]
		for {
			c, ok, err := stream.Recv(ctx, e.chunks)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("engine %d: input closed in the middle of a page", e.id)
			}
			e.src = append(e.src, c.data[:c.count]...)
			if c.last {
				break
			}
		}
		out, err := e.decode(page)
		if err != nil {
			return err
		}
		level.Debug(e.logger).Log("msg", "page decompressed", "page", page)
		if err := stream.Send(ctx, e.results, out); err != nil {
			return err
		}
	}
}

func (e *engine) decode(page stream.Page) ([]byte, error) {
	if len(e.src) != int(page.CompressedSize) {
		return nil, errors.Wrapf(stream.ErrDecompression, "engine %d received %d bytes, page %s", e.id, len(e.src), page)
	}
	n, err := e.codec.DecodedLen(e.src)
	if err != nil {
		return nil, errors.Wrapf(stream.ErrDecompression, "engine %d: %v", e.id, err)
	}
	if n != int(page.UncompressedSize) {
		return nil, errors.Wrapf(stream.ErrDecompression, "engine %d: block decodes to %d bytes, page %s", e.id, n, page)
	}
	out, err := e.codec.Decode(make([]byte, n), e.src)
	if err != nil {
		return nil, errors.Wrapf(stream.ErrDecompression, "engine %d: %v", e.id, err)
	}
	if len(out) != int(page.UncompressedSize) {
		return nil, errors.Wrapf(stream.ErrDecompression, "engine %d: decoded %d bytes, page %s", e.id, len(out), page)
	}
	return out, nil
}
