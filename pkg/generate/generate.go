// Package generate writes single column Parquet files of random primitives
// for testing and benchmarking the decoder.
package generate

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/encoding"
	"github.com/pkg/errors"
)

const ColumnName = "value"

const (
	TypeInt32  = "int32"
	TypeInt64  = "int64"
	TypeFloat  = "float"
	TypeDouble = "double"

	EncodingPlain = "plain"
	EncodingDelta = "delta"

	CompressionNone   = "uncompressed"
	CompressionSnappy = "snappy"
)

type Config struct {
	Type        string `yaml:"type"`
	Encoding    string `yaml:"encoding"`
	Compression string `yaml:"compression"`
	Rows        int    `yaml:"rows"`
	// Modulo bounds integer values to [0, Modulo). Zero uses the full range.
	Modulo int64 `yaml:"modulo"`
	// RunLength, when set, draws a new power of two modulo every RunLength
	// values so that the delta bit widths vary along the column.
	RunLength    int   `yaml:"run_length"`
	PageSize     int   `yaml:"page_size"`
	PageVersion  int   `yaml:"page_version"`
	RowGroupSize int   `yaml:"row_group_size"`
	Seed         int64 `yaml:"seed"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Type, "type", TypeInt64, "Physical type of the column: int32, int64, float or double.")
	f.StringVar(&cfg.Encoding, "encoding", EncodingDelta, "Encoding of the data pages: plain or delta.")
	f.StringVar(&cfg.Compression, "compression", CompressionSnappy, "Page compression: uncompressed or snappy.")
	f.IntVar(&cfg.Rows, "rows", 1<<20, "Number of values to generate.")
	f.Int64Var(&cfg.Modulo, "modulo", 0, "Integers are drawn in [0, modulo). 0 uses the full range of the type.")
	f.IntVar(&cfg.RunLength, "run-length", 0, "Draw a random power of two modulo every run-length values. 0 disables it.")
	f.IntVar(&cfg.PageSize, "page-size", 1<<20, "Target page size in bytes.")
	f.IntVar(&cfg.PageVersion, "page-version", 1, "Data page version, 1 or 2.")
	f.IntVar(&cfg.RowGroupSize, "row-group-size", 0, "Maximum number of rows per row group. 0 writes a single row group.")
	f.Int64Var(&cfg.Seed, "seed", 1, "Seed of the value generator.")
}

func (cfg *Config) Validate() error {
	switch cfg.Type {
	case TypeInt32, TypeInt64, TypeFloat, TypeDouble:
	default:
		return fmt.Errorf("unknown type %q", cfg.Type)
	}
	switch cfg.Encoding {
	case EncodingPlain:
	case EncodingDelta:
		if cfg.Type == TypeFloat || cfg.Type == TypeDouble {
			return fmt.Errorf("delta encoding requires an integer type, got %s", cfg.Type)
		}
	default:
		return fmt.Errorf("unknown encoding %q", cfg.Encoding)
	}
	switch cfg.Compression {
	case CompressionNone, CompressionSnappy:
	default:
		return fmt.Errorf("unknown compression %q", cfg.Compression)
	}
	if cfg.PageVersion != 1 && cfg.PageVersion != 2 {
		return fmt.Errorf("page version must be 1 or 2, got %d", cfg.PageVersion)
	}
	if cfg.Rows < 0 || cfg.Modulo < 0 || cfg.RunLength < 0 || cfg.RowGroupSize < 0 {
		return errors.New("rows, modulo, run-length and row-group-size must not be negative")
	}
	return nil
}

// Values returns the values of the column: int32, int64, float32 or float64
// depending on the type.
func Values(cfg Config) any {
	rnd := rand.New(rand.NewSource(cfg.Seed))
	modulo := uint64(cfg.Modulo)
	next := func(i int) uint64 {
		if cfg.RunLength > 0 && i%cfg.RunLength == 0 {
			modulo = 1 << rnd.Intn(64)
		}
		v := rnd.Uint64()
		if modulo > 0 {
			v %= modulo
		}
		return v
	}
	switch cfg.Type {
	case TypeInt32:
		out := make([]int32, cfg.Rows)
		for i := range out {
			out[i] = int32(next(i))
		}
		return out
	case TypeInt64:
		out := make([]int64, cfg.Rows)
		for i := range out {
			out[i] = int64(next(i))
		}
		return out
	case TypeFloat:
		out := make([]float32, cfg.Rows)
		for i := range out {
			out[i] = float32(rnd.NormFloat64() * 1e3)
		}
		return out
	default:
		out := make([]float64, cfg.Rows)
		for i := range out {
			out[i] = rnd.NormFloat64() * 1e6
		}
		return out
	}
}

// Schema returns the single column schema for cfg.
func Schema(cfg Config) *parquet.Schema {
	var node parquet.Node
	switch cfg.Type {
	case TypeInt32:
		node = parquet.Leaf(parquet.Int32Type)
	case TypeInt64:
		node = parquet.Leaf(parquet.Int64Type)
	case TypeFloat:
		node = parquet.Leaf(parquet.FloatType)
	default:
		node = parquet.Leaf(parquet.DoubleType)
	}
	var enc encoding.Encoding = &parquet.Plain
	if cfg.Encoding == EncodingDelta {
		enc = &parquet.DeltaBinaryPacked
	}
	var codec compress.Codec = &parquet.Uncompressed
	if cfg.Compression == CompressionSnappy {
		codec = &parquet.Snappy
	}
	return parquet.NewSchema("ptoa", parquet.Group{
		ColumnName: parquet.Compressed(parquet.Encoded(parquet.Required(node), enc), codec),
	})
}

// Write writes the column described by cfg to w.
func Write(w io.Writer, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts := []parquet.WriterOption{
		Schema(cfg),
		parquet.DataPageVersion(cfg.PageVersion),
		parquet.PageBufferSize(max(cfg.PageSize, 1)),
		parquet.CreatedBy("ptoa", "", ""),
	}
	pw := parquet.NewWriter(w, opts...)

	rows := make([]parquet.Row, 0, 1024)
	flush := func() error {
		if _, err := pw.WriteRows(rows); err != nil {
			return errors.Wrap(err, "writing rows")
		}
		rows = rows[:0]
		return nil
	}
	values := rowValues(Values(cfg))
	for i, v := range values {
		rows = append(rows, parquet.Row{v.Level(0, 0, 0)})
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
		}
		if cfg.RowGroupSize > 0 && (i+1)%cfg.RowGroupSize == 0 && i+1 < len(values) {
			if err := flush(); err != nil {
				return err
			}
			if err := pw.Flush(); err != nil {
				return errors.Wrap(err, "flushing row group")
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return pw.Close()
}

// WriteFile writes the column described by cfg to a new file at path.
func WriteFile(path string, cfg Config) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, cfg)
}

func rowValues(values any) []parquet.Value {
	switch vs := values.(type) {
	case []int32:
		out := make([]parquet.Value, len(vs))
		for i, v := range vs {
			out[i] = parquet.Int32Value(v)
		}
		return out
	case []int64:
		out := make([]parquet.Value, len(vs))
		for i, v := range vs {
			out[i] = parquet.Int64Value(v)
		}
		return out
	case []float32:
		out := make([]parquet.Value, len(vs))
		for i, v := range vs {
			out[i] = parquet.FloatValue(v)
		}
		return out
	case []float64:
		out := make([]parquet.Value, len(vs))
		for i, v := range vs {
			out[i] = parquet.DoubleValue(v)
		}
		return out
	default:
		panic(fmt.Sprintf("unexpected values %T", values))
	}
}
