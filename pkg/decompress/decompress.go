// Package decompress routes the page stream through the configured codec.
// Whatever the codec, the output carries the page descriptors on one
// channel and the uncompressed payload, split into transfer words starting
// at every page, on another.
package decompress

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ptoa/pkg/stream"
)

// Kind is the page compression of a column chunk.
type Kind string

const (
	KindUncompressed Kind = "uncompressed"
	KindSnappy       Kind = "snappy"
)

type Config struct {
	// TransferWidth is the output word size in bytes.
	TransferWidth int `yaml:"-"`
	// QueueDepth bounds the pages in flight between the feeder and the
	// emitter.
	QueueDepth int `yaml:"-"`

	Engine      string `yaml:"snappy_engine"`
	EngineWidth int    `yaml:"engine_width"`
	EngineCount int    `yaml:"engine_count"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Engine, "decompress.snappy-engine", EngineKlauspost, fmt.Sprintf("Snappy implementation run by the engines (%s).", strings.Join(engines, ", ")))
	f.IntVar(&cfg.EngineWidth, "decompress.engine-width", 8, "Input width of a decompression engine in bytes.")
	f.IntVar(&cfg.EngineCount, "decompress.engine-count", 1, "Number of decompression engines working on consecutive pages.")
}

func (cfg *Config) Validate() error {
	if cfg.EngineWidth < 1 {
		return errors.New("decompress.engine-width must be positive")
	}
	if cfg.EngineCount < 1 {
		return errors.New("decompress.engine-count must be positive")
	}
	_, err := NewCodec(cfg.Engine)
	return err
}

// Stage is a decompression path.
type Stage interface {
	Run(ctx context.Context, pages <-chan stream.Page, port stream.Port, outPages chan<- stream.Page, out chan<- []byte) error
}

// New returns the path for kind. It is chosen once per column.
func New(cfg Config, kind Kind, metrics *stream.Metrics, logger log.Logger) (Stage, error) {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	switch kind {
	case KindUncompressed:
		return NewPassthrough(cfg, metrics, logger), nil
	case KindSnappy:
		codec, err := NewCodec(cfg.Engine)
		if err != nil {
			return nil, err
		}
		return NewSnappy(cfg, codec, metrics, logger), nil
	default:
		return nil, errors.Wrapf(stream.ErrUnsupported, "compression %q", kind)
	}
}

// Passthrough forwards uncompressed pages.
type Passthrough struct {
	cfg     Config
	metrics *stream.Metrics
	logger  log.Logger
}

func NewPassthrough(cfg Config, metrics *stream.Metrics, logger log.Logger) *Passthrough {
	return &Passthrough{
		cfg:     cfg,
		metrics: metrics,
		logger:  log.With(logger, "component", "passthrough"),
	}
}

func (p *Passthrough) Run(ctx context.Context, pages <-chan stream.Page, port stream.Port, outPages chan<- stream.Page, out chan<- []byte) error {
	for seq := 0; ; seq++ {
		page, ok, err := stream.Recv(ctx, pages)
		if err != nil {
			return err
		}
		if !ok {
			close(outPages)
			close(out)
			return nil
		}
		if page.CompressedSize != page.UncompressedSize {
			return errors.Wrapf(stream.ErrFraming, "uncompressed page %d declares %d compressed and %d uncompressed bytes", seq, page.CompressedSize, page.UncompressedSize)
		}
		if err := stream.Send(ctx, outPages, page); err != nil {
			return err
		}
		for remaining := int(page.CompressedSize); remaining > 0; {
			w, err := port.Next(ctx)
			if errors.Is(err, io.EOF) {
				return errors.Wrapf(stream.ErrFraming, "stream ended %d bytes before the end of page %d", remaining, seq)
			}
			if err != nil {
				return err
			}
			w = w[:min(len(w), remaining)]
			if err := stream.Send(ctx, out, w); err != nil {
				return err
			}
			port.Consume(len(w))
			remaining -= len(w)
		}
		p.metrics.PageDone("passthrough", int64(page.CompressedSize))
		level.Debug(p.logger).Log("msg", "page forwarded", "page", page)
	}
}
