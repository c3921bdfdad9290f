package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/grafana/ptoa/pkg/column"
	"github.com/grafana/ptoa/pkg/generate"
	"github.com/grafana/ptoa/pkg/pipeline"
	ptoacontext "github.com/grafana/ptoa/pkg/ptoa/context"
	"github.com/grafana/ptoa/pkg/verify"
)

func decode(ctx context.Context) (err error) {
	if err := cfg.pipeline.Validate(); err != nil {
		return err
	}
	logger := ptoacontext.Logger(ctx)
	start := time.Now()
	f, err := column.Open(cfg.file, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	chunk, err := f.Chunk(cfg.rowGroup, cfg.column, cfg.pipeline.TransferWidth)
	if err != nil {
		return err
	}
	setup := time.Since(start)

	var w io.Writer = io.Discard
	if cfg.output != "" {
		out, err := os.Create(cfg.output)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}()
		w = out
	}

	digest := xxhash.New()
	res, err := pipeline.New(cfg.pipeline, ptoacontext.Registry(ctx), logger).Run(ctx, chunk, io.MultiWriter(w, digest))
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "decoded", "file", cfg.file, "column", cfg.column, "row_group", cfg.rowGroup)
	printResult(ptoacontext.Output(ctx), chunk.Info(), res, setup, digest.Sum64())
	return nil
}

func printResult(out io.Writer, info pipeline.ColumnInfo, res pipeline.Result, setup time.Duration, checksum uint64) {
	fmt.Fprintf(out, "Column:        %s, %s, %d byte values\n", info.Encoding, info.Compression, info.PrimitiveWidth)
	fmt.Fprintf(out, "Pages:         %d\n", res.Pages)
	fmt.Fprintf(out, "Values:        %s\n", humanize.Comma(res.Values))
	fmt.Fprintf(out, "Output:        %s (xxhash %016x)\n", humanize.Bytes(uint64(res.Bytes)), checksum)
	fmt.Fprintf(out, "Setup time:    %s\n", setup)
	fmt.Fprintf(out, "Decode time:   %s\n", res.Duration)
	if secs := res.Duration.Seconds(); secs > 0 {
		fmt.Fprintf(out, "Throughput:    %s/s\n", humanize.Bytes(uint64(float64(res.Bytes)/secs)))
	}
}

func verifyChunk(ctx context.Context) error {
	if err := cfg.pipeline.Validate(); err != nil {
		return err
	}
	out := ptoacontext.Output(ctx)
	report, res, err := verify.Run(ctx, cfg.file, cfg.rowGroup, cfg.column, cfg.pipeline, ptoacontext.Registry(ctx), ptoacontext.Logger(ctx))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Decoded %s values in %s\n", humanize.Comma(res.Values), res.Duration)
	report.Print(out)
	if !report.Passed() {
		return errVerifyFailed
	}
	return nil
}

func generateFile(ctx context.Context) error {
	if err := cfg.generate.Validate(); err != nil {
		return err
	}
	start := time.Now()
	if err := generate.WriteFile(cfg.file, cfg.generate); err != nil {
		return errors.Wrapf(err, "writing %s", cfg.file)
	}
	stats, err := os.Stat(cfg.file)
	if err != nil {
		return err
	}
	fmt.Fprintf(ptoacontext.Output(ctx), "Wrote %s values (%s) to %s in %s\n",
		humanize.Comma(int64(cfg.generate.Rows)), humanize.Bytes(uint64(stats.Size())), cfg.file, time.Since(start))
	return nil
}

func printMetrics(ctx context.Context, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(ptoacontext.Output(ctx), expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
