// Package delta decodes DELTA_BINARY_PACKED pages. A header reader and a
// bit unpacker run on two independent aligner ports: the header reader walks
// ahead through the page and block headers while the unpacker follows it
// through the miniblock bodies.
package delta

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/stream"
)

type Config struct {
	// PrimitiveWidth is the output element size in bytes, 4 or 8.
	PrimitiveWidth int
	// TransferWidth is the output word size in bytes.
	TransferWidth int
	// MaxPerStep is the maximum number of deltas unpacked per step.
	MaxPerStep int
	// QueueDepth is the capacity of the descriptor link.
	QueueDepth int
	// TotalValues stops the decoder after that many values. Zero decodes
	// everything.
	TotalValues int64
}

type Decoder struct {
	cfg     Config
	table   *Table
	metrics *stream.Metrics
	logger  log.Logger
}

func NewDecoder(cfg Config, metrics *stream.Metrics, logger log.Logger) *Decoder {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	return &Decoder{
		cfg:     cfg,
		table:   NewTable(cfg.MaxPerStep),
		metrics: metrics,
		logger:  logger,
	}
}

// Ports returns the number of aligner ports the decoder reads.
func (d *Decoder) Ports() int { return 2 }

// MinAlignDepth returns the aligner depth, in words, needed to hold the
// largest header ahead of the unpacker.
func (d *Decoder) MinAlignDepth() int {
	return 2 + stream.CeilDiv(MaxHeaderBytes, d.cfg.TransferWidth)
}

// Run decodes the pages announced on pages. Decoded pages are announced on
// outPages and their values sent on out; both are closed on success.
func (d *Decoder) Run(ctx context.Context, pages <-chan stream.Page, ports []stream.Port, outPages chan<- stream.Page, out chan<- []byte) error {
	if len(ports) != d.Ports() {
		return errors.Errorf("delta decoder needs %d ports, got %d", d.Ports(), len(ports))
	}
	descriptors := make(chan descriptor, d.cfg.QueueDepth)
	header := NewHeaderReader(d.logger)
	unpacker := NewUnpacker(d.cfg, d.table, d.metrics, d.logger)
	packer := stream.NewPacker(d.cfg.TransferWidth, out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return header.Run(gctx, pages, ports[0], descriptors)
	})
	g.Go(func() error {
		return unpacker.Run(gctx, descriptors, ports[1], outPages, packer, func() {
			close(outPages)
			close(out)
		})
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errLimitReached) {
		return err
	}
	return nil
}
