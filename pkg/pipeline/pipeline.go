// Package pipeline wires the decode stages of a column chunk:
//
//	source ─pages────────────────────────────┐
//	   └─words─> aligner ─> decompressor ─pages──┐
//	                             └─words─> aligner ─ports─> decoder ─> sink
package pipeline

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/align"
	"github.com/grafana/ptoa/pkg/decompress"
	"github.com/grafana/ptoa/pkg/delta"
	"github.com/grafana/ptoa/pkg/plain"
	"github.com/grafana/ptoa/pkg/stream"
)

// Encoding is the value encoding of the data pages.
type Encoding string

const (
	EncodingPlain Encoding = "PLAIN"
	EncodingDelta Encoding = "DELTA_BINARY_PACKED"
)

// ColumnInfo describes the column chunk a source streams.
type ColumnInfo struct {
	Encoding    Encoding
	Compression decompress.Kind
	// PrimitiveWidth is the size of the physical type in bytes.
	PrimitiveWidth int
	// Integer is false for FLOAT and DOUBLE columns.
	Integer   bool
	NumValues int64
	NumPages  int
}

// Source streams the pages of a column chunk. Page descriptors and payload
// are sent independently: a source must not wait for the payload of a page
// to be consumed before announcing the next page, nor the other way round.
type Source interface {
	Info() ColumnInfo
	// Stream announces every page on pages and sends the payload, preceded
	// by its bit offset on alignment, on words. All three channels are
	// closed on success.
	Stream(ctx context.Context, pages chan<- stream.Page, alignment chan<- int, words chan<- []byte) error
}

// Result summarizes a run.
type Result struct {
	Pages    int
	Values   int64
	Bytes    int64
	Duration time.Duration
}

var errComplete = errors.New("pipeline complete")

type Pipeline struct {
	cfg     Config
	metrics *stream.Metrics
	logger  log.Logger // handed to the stages
	log     log.Logger
}

func New(cfg Config, reg prometheus.Registerer, logger log.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		metrics: stream.NewMetrics(reg),
		logger:  logger,
		log:     log.With(logger, "component", "pipeline"),
	}
}

// Run decodes the column chunk streamed by src and writes the little-endian
// values to w.
func (p *Pipeline) Run(ctx context.Context, src Source, w io.Writer) (Result, error) {
	res, err := p.run(ctx, src, w)
	if err != nil {
		p.metrics.Error(err)
		level.Error(p.log).Log("msg", "decode failed", "err", err)
		return res, err
	}
	level.Info(p.log).Log("msg", "decode complete", "pages", res.Pages, "values", res.Values, "bytes", res.Bytes, "duration", res.Duration)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, src Source, w io.Writer) (Result, error) {
	var res Result
	info := src.Info()
	elem, err := p.elementSize(info)
	if err != nil {
		return res, err
	}
	stage, err := p.decompressor(info)
	if err != nil {
		return res, err
	}
	decoder, err := p.decoder(info, elem)
	if err != nil {
		return res, err
	}
	level.Debug(p.log).Log("msg", "starting", "encoding", info.Encoding, "compression", info.Compression, "element_bytes", elem, "pages", info.NumPages)

	q := p.cfg.QueueDepth
	var (
		srcPages   = make(chan stream.Page, q)
		srcAlign   = make(chan int, 1)
		srcWords   = make(chan []byte, q)
		rawPages   = make(chan stream.Page, q)
		rawAlign   = make(chan int, 1)
		rawWords   = make(chan []byte, q)
		outPages   = make(chan stream.Page, q)
		outWords   = make(chan []byte, q)
		inAligner  = align.New(p.alignConfig(1, 0), p.logger)
		outAligner = align.New(p.alignConfig(decoder.Ports(), decoder.MinAlignDepth()), p.logger)
	)
	ports := make([]stream.Port, decoder.Ports())
	for i := range ports {
		ports[i] = outAligner.Port(i)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(src.Stream(gctx, srcPages, srcAlign, srcWords), "source")
	})
	g.Go(func() error {
		return inAligner.Run(gctx, srcAlign, srcWords)
	})
	g.Go(func() error {
		return stage.Run(gctx, srcPages, inAligner.Port(0), rawPages, rawWords)
	})
	g.Go(func() error {
		// decompressed pages start on a byte boundary
		rawAlign <- 0
		return outAligner.Run(gctx, rawAlign, rawWords)
	})
	g.Go(func() error {
		return decoder.Run(gctx, rawPages, ports, outPages, outWords)
	})
	g.Go(func() error {
		return p.sink(gctx, outPages, outWords, w, elem, &res)
	})
	err = g.Wait()
	res.Duration = time.Since(start)
	if errors.Is(err, errComplete) {
		err = nil
	}
	if err == nil && p.cfg.TotalValues > 0 && res.Values < p.cfg.TotalValues {
		level.Warn(p.log).Log("msg", "column chunk has fewer values than requested", "requested", p.cfg.TotalValues, "values", res.Values)
	}
	return res, err
}

// sink drains the decoder outputs into w. It stops the run with errComplete
// once both are closed, which releases the stages still waiting on input
// the decoder did not need.
func (p *Pipeline) sink(ctx context.Context, pages <-chan stream.Page, words <-chan []byte, w io.Writer, elem int, res *Result) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	for pages != nil || words != nil {
		select {
		case _, ok := <-pages:
			if !ok {
				pages = nil
				continue
			}
			res.Pages++
		case word, ok := <-words:
			if !ok {
				words = nil
				continue
			}
			if _, err := bw.Write(word); err != nil {
				return errors.Wrap(err, "writing values")
			}
			res.Bytes += int64(len(word))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "writing values")
	}
	if res.Bytes%int64(elem) != 0 {
		return errors.Wrapf(stream.ErrFraming, "%d output bytes are not a whole number of %d byte values", res.Bytes, elem)
	}
	res.Values = res.Bytes / int64(elem)
	return errComplete
}

func (p *Pipeline) elementSize(info ColumnInfo) (int, error) {
	if info.PrimitiveWidth != 4 && info.PrimitiveWidth != 8 {
		return 0, errors.Wrapf(stream.ErrUnsupported, "%d byte physical type", info.PrimitiveWidth)
	}
	if p.cfg.PrimitiveWidth != 0 && p.cfg.PrimitiveWidth != info.PrimitiveWidth*8 {
		return 0, errors.Errorf("primitive width %d bits does not match the %d bit column type", p.cfg.PrimitiveWidth, info.PrimitiveWidth*8)
	}
	return info.PrimitiveWidth, nil
}

func (p *Pipeline) decompressor(info ColumnInfo) (decompress.Stage, error) {
	kind := info.Compression
	if p.cfg.Codec != CodecAuto {
		kind = decompress.Kind(p.cfg.Codec)
	}
	cfg := p.cfg.Decompress
	cfg.TransferWidth = p.cfg.TransferWidth
	cfg.QueueDepth = p.cfg.QueueDepth
	return decompress.New(cfg, kind, p.metrics, p.logger)
}

func (p *Pipeline) decoder(info ColumnInfo, elem int) (stream.Decoder, error) {
	switch info.Encoding {
	case EncodingPlain:
		return plain.NewDecoder(plain.Config{
			PrimitiveWidth: elem,
			TransferWidth:  p.cfg.TransferWidth,
			TotalValues:    p.cfg.TotalValues,
		}, p.metrics, p.logger), nil
	case EncodingDelta:
		if !info.Integer {
			return nil, errors.Wrap(stream.ErrUnsupported, "DELTA_BINARY_PACKED on a floating point column")
		}
		return delta.NewDecoder(delta.Config{
			PrimitiveWidth: elem,
			TransferWidth:  p.cfg.TransferWidth,
			MaxPerStep:     p.cfg.MaxValuesPerStep,
			QueueDepth:     p.cfg.QueueDepth,
			TotalValues:    p.cfg.TotalValues,
		}, p.metrics, p.logger), nil
	default:
		return nil, errors.Wrapf(stream.ErrUnsupported, "encoding %s", info.Encoding)
	}
}

func (p *Pipeline) alignConfig(consumers, minDepth int) align.Config {
	return align.Config{
		Width:     p.cfg.TransferWidth,
		Consumers: consumers,
		Stages:    p.cfg.AlignStages,
		Depth:     max(p.cfg.AlignDepth, minDepth),
	}
}
