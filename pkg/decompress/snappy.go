package decompress

import (
	"context"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/stream"
)

type feederState uint8

const (
	feederIdle feederState = iota
	feederDecompressing
	feederFlush
)

func (s feederState) String() string {
	switch s {
	case feederIdle:
		return "idle"
	case feederDecompressing:
		return "decompressing"
	case feederFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// pending is an entry of the ordering queue: a page and the engine it was
// assigned to.
type pending struct {
	page   stream.Page
	engine *engine
}

// Snappy decompresses every page with a pool of engines. Pages are assigned
// to the engines round robin and an ordering queue restores the submission
// order on the output, whichever engine finishes first.
type Snappy struct {
	cfg     Config
	codec   Codec
	metrics *stream.Metrics
	logger  log.Logger

	state feederState
}

func NewSnappy(cfg Config, codec Codec, metrics *stream.Metrics, logger log.Logger) *Snappy {
	cfg.EngineCount = max(1, cfg.EngineCount)
	cfg.EngineWidth = max(1, cfg.EngineWidth)
	cfg.QueueDepth = max(1, cfg.QueueDepth)
	return &Snappy{
		cfg:     cfg,
		codec:   codec,
		metrics: metrics,
		logger:  log.With(logger, "component", "snappy"),
	}
}

func (s *Snappy) Run(ctx context.Context, pages <-chan stream.Page, port stream.Port, outPages chan<- stream.Page, out chan<- []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan pending, s.cfg.QueueDepth)
	engines := make([]*engine, s.cfg.EngineCount)
	for i := range engines {
		e := newEngine(i, s.codec, s.cfg.QueueDepth, s.logger)
		engines[i] = e
		g.Go(func() error { return e.run(ctx) })
	}
	g.Go(func() error {
		defer func() {
			for _, e := range engines {
				close(e.jobs)
			}
		}()
		return s.feed(ctx, pages, port, queue, engines)
	})
	g.Go(func() error {
		return s.emit(ctx, queue, outPages, out)
	})
	return g.Wait()
}

// feed is the per-page state machine driving the engines. It announces each
// page on the ordering queue, then hands exactly CompressedSize bytes to the
// page's engine, split into chunks of EngineWidth bytes.
func (s *Snappy) feed(ctx context.Context, pages <-chan stream.Page, port stream.Port, queue chan<- pending, engines []*engine) error {
	for seq := 0; ; seq++ {
		s.state = feederIdle
		page, ok, err := stream.Recv(ctx, pages)
		if err != nil {
			return err
		}
		if !ok {
			close(queue)
			return nil
		}
		e := engines[seq%len(engines)]
		if err := stream.Send(ctx, queue, pending{page: page, engine: e}); err != nil {
			return err
		}
		if err := stream.Send(ctx, e.jobs, page); err != nil {
			return err
		}

		s.state = feederDecompressing
		if err := s.feedPage(ctx, port, page, e); err != nil {
			return errors.Wrapf(err, "snappy page %d (state %s)", seq, s.state)
		}
		s.metrics.PageDone("snappy", int64(page.CompressedSize))
	}
}

func (s *Snappy) feedPage(ctx context.Context, port stream.Port, page stream.Page, e *engine) error {
	remaining := int(page.CompressedSize)
	if remaining == 0 {
		return stream.Send(ctx, e.chunks, chunk{last: true})
	}
	ew := s.cfg.EngineWidth
	for remaining > 0 {
		w, err := port.Next(ctx)
		if errors.Is(err, io.EOF) {
			return errors.Wrapf(stream.ErrFraming, "stream ended %d bytes before the end of page %s", remaining, page)
		}
		if err != nil {
			return err
		}
		take := min(len(w), remaining)
		for off := 0; off < take; off += ew {
			n := min(ew, take-off)
			c := chunk{data: w[off : off+n], count: n, last: off+n == take && take == remaining}
			if err := stream.Send(ctx, e.chunks, c); err != nil {
				return err
			}
		}
		if take < len(w) {
			// the rest of the word belongs to the next page and is read again
			s.state = feederFlush
			level.Debug(s.logger).Log("msg", "flushing adapter", "dropped", len(w)-take)
		}
		port.Consume(take)
		remaining -= take
	}
	return nil
}

// emit pops the ordering queue and forwards each page followed by its
// decompressed payload.
func (s *Snappy) emit(ctx context.Context, queue <-chan pending, outPages chan<- stream.Page, out chan<- []byte) error {
	for {
		p, ok, err := stream.Recv(ctx, queue)
		if err != nil {
			return err
		}
		if !ok {
			close(outPages)
			close(out)
			return nil
		}
		data, ok, err := stream.Recv(ctx, p.engine.results)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("engine %d stopped before page %s", p.engine.id, p.page)
		}
		if err := stream.Send(ctx, outPages, p.page); err != nil {
			return err
		}
		if err := sendWords(ctx, out, data, s.cfg.TransferWidth); err != nil {
			return err
		}
	}
}

// sendWords splits a page payload into transfer words. Only the last word of
// the page may be partial.
func sendWords(ctx context.Context, out chan<- []byte, data []byte, width int) error {
	for len(data) > 0 {
		n := min(width, len(data))
		if err := stream.Send(ctx, out, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
