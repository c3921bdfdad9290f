// Package verify checks the output of the decode pipeline against the values
// parquet-go reads from the same column chunk.
package verify

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/ptoa/pkg/column"
	"github.com/grafana/ptoa/pkg/pipeline"
)

// MaxMismatches is the number of differing values kept in a Report.
const MaxMismatches = 20

// Reference decodes the column chunk of column name in row group rowGroup
// with parquet-go and returns its values as little-endian bytes.
func Reference(f *parquet.File, rowGroup int, name string) ([]byte, error) {
	groups := f.RowGroups()
	if rowGroup < 0 || rowGroup >= len(groups) {
		return nil, errors.Errorf("row group %d out of range, the file has %d", rowGroup, len(groups))
	}
	leaf, ok := f.Schema().Lookup(strings.Split(name, ".")...)
	if !ok {
		return nil, errors.Errorf("column %q not found", name)
	}
	pages := groups[rowGroup].ColumnChunks()[leaf.ColumnIndex].Pages()
	defer pages.Close()

	var (
		out []byte
		buf = make([]parquet.Value, 1024)
	)
	for {
		pg, err := pages.ReadPage()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading page")
		}
		values := pg.Values()
		for {
			n, err := values.ReadValues(buf)
			var aerr error
			for _, v := range buf[:n] {
				if out, aerr = appendValue(out, v); aerr != nil {
					parquet.Release(pg)
					return nil, aerr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				parquet.Release(pg)
				return nil, errors.Wrap(err, "reading values")
			}
		}
		parquet.Release(pg)
	}
}

func appendValue(out []byte, v parquet.Value) ([]byte, error) {
	switch v.Kind() {
	case parquet.Int32:
		return binary.LittleEndian.AppendUint32(out, uint32(v.Int32())), nil
	case parquet.Int64:
		return binary.LittleEndian.AppendUint64(out, uint64(v.Int64())), nil
	case parquet.Float:
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(v.Float())), nil
	case parquet.Double:
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(v.Double())), nil
	default:
		return nil, errors.Errorf("unsupported value kind %s", v.Kind())
	}
}

// Mismatch is a value that differs between the decoded and the reference
// output. Values are zero extended.
type Mismatch struct {
	Index int64
	Got   uint64
	Want  uint64
}

type Report struct {
	Values     int64
	Errors     int64
	Mismatches []Mismatch
	GotLen     int
	WantLen    int
}

func (r Report) Passed() bool { return r.Errors == 0 }

// Compare compares got and want value by value, elem bytes each. A length
// difference counts as one more error.
func Compare(got, want []byte, elem int) Report {
	r := Report{GotLen: len(got), WantLen: len(want)}
	n := min(len(got), len(want)) / elem
	for i := 0; i < n; i++ {
		g, w := load(got[i*elem:], elem), load(want[i*elem:], elem)
		if g == w {
			continue
		}
		r.Errors++
		if len(r.Mismatches) < MaxMismatches {
			r.Mismatches = append(r.Mismatches, Mismatch{Index: int64(i), Got: g, Want: w})
		}
	}
	r.Values = int64(n)
	if len(got) != len(want) {
		r.Errors++
	}
	return r
}

func load(b []byte, elem int) uint64 {
	if elem == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// Print writes the outcome of the comparison to w.
func (r Report) Print(w io.Writer) {
	if r.Passed() {
		fmt.Fprintln(w, "Test passed!")
		return
	}
	if r.GotLen != r.WantLen {
		fmt.Fprintf(w, "Length mismatch: decoded %d bytes, expected %d bytes\n", r.GotLen, r.WantLen)
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "value %d: got %#x, want %#x\n", m.Index, m.Got, m.Want)
	}
	fmt.Fprintf(w, "Test failed. Found %d errors\n", r.Errors)
}

// Run decodes the column chunk of column name in row group rowGroup of the
// file at path with the pipeline, then compares the output to Reference.
func Run(ctx context.Context, path string, rowGroup int, name string, cfg pipeline.Config, reg prometheus.Registerer, logger log.Logger) (Report, pipeline.Result, error) {
	f, err := column.Open(path, logger)
	if err != nil {
		return Report{}, pipeline.Result{}, err
	}
	defer f.Close()
	chunk, err := f.Chunk(rowGroup, name, cfg.TransferWidth)
	if err != nil {
		return Report{}, pipeline.Result{}, err
	}

	var got bytes.Buffer
	res, err := pipeline.New(cfg, reg, logger).Run(ctx, chunk, &got)
	if err != nil {
		return Report{}, res, err
	}
	want, err := Reference(f.Parquet(), rowGroup, name)
	if err != nil {
		return Report{}, res, errors.Wrap(err, "reference decode")
	}
	if cfg.TotalValues > 0 {
		want = want[:min(int64(len(want)), cfg.TotalValues*int64(chunk.Info().PrimitiveWidth))]
	}
	report := Compare(got.Bytes(), want, chunk.Info().PrimitiveWidth)
	level.Debug(logger).Log("msg", "compared", "values", report.Values, "errors", report.Errors)
	return report, res, nil
}
