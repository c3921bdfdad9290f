package column

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/decompress"
	"github.com/grafana/ptoa/pkg/generate"
	"github.com/grafana/ptoa/pkg/pipeline"
	"github.com/grafana/ptoa/pkg/stream"
	"github.com/grafana/ptoa/pkg/test"
)

func generateFile(t *testing.T, mutate func(*generate.Config)) string {
	t.Helper()
	var cfg generate.Config
	flagext.DefaultValues(&cfg)
	cfg.Rows = 5000
	cfg.PageSize = 4096
	if mutate != nil {
		mutate(&cfg)
	}
	path := filepath.Join(t.TempDir(), "column.parquet")
	require.NoError(t, generate.WriteFile(path, cfg))
	return path
}

func writeRows(t *testing.T, schema *parquet.Schema, rows []parquet.Row) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewWriter(f, schema)
	_, err = w.WriteRows(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func Test_Chunk_Info(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*generate.Config)
		want    pipeline.ColumnInfo
		pageTyp format.PageType
	}{
		{
			name: "int64 delta snappy",
			want: pipeline.ColumnInfo{Encoding: pipeline.EncodingDelta, Compression: decompress.KindSnappy, PrimitiveWidth: 8, Integer: true, NumValues: 5000},
		},
		{
			name: "int32 plain uncompressed v2",
			mutate: func(c *generate.Config) {
				c.Type, c.Encoding, c.Compression, c.PageVersion = generate.TypeInt32, generate.EncodingPlain, generate.CompressionNone, 2
			},
			want:    pipeline.ColumnInfo{Encoding: pipeline.EncodingPlain, Compression: decompress.KindUncompressed, PrimitiveWidth: 4, Integer: true, NumValues: 5000},
			pageTyp: format.DataPageV2,
		},
		{
			name: "double plain snappy",
			mutate: func(c *generate.Config) {
				c.Type, c.Encoding = generate.TypeDouble, generate.EncodingPlain
			},
			want: pipeline.ColumnInfo{Encoding: pipeline.EncodingPlain, Compression: decompress.KindSnappy, PrimitiveWidth: 8, NumValues: 5000},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Open(generateFile(t, tc.mutate), test.NewTestingLogger(t))
			require.NoError(t, err)
			defer f.Close()

			assert.Equal(t, []string{generate.ColumnName}, f.Columns())
			assert.Equal(t, 1, f.NumRowGroups())

			c, err := f.Chunk(0, generate.ColumnName, 64)
			require.NoError(t, err)
			info := c.Info()
			assert.Equal(t, len(c.Pages()), info.NumPages)
			assert.Greater(t, info.NumPages, 1)
			info.NumPages = 0
			assert.Equal(t, tc.want, info)

			var prev int64
			for _, p := range c.Pages() {
				assert.Equal(t, tc.pageTyp, p.Type)
				assert.Greater(t, p.Offset, prev)
				assert.Equal(t, p.Offset+p.HeaderSize, p.PayloadOffset)
				prev = p.PayloadOffset
			}
		})
	}
}

func Test_Chunk_Stream(t *testing.T) {
	path := generateFile(t, nil)
	f, err := Open(path, test.NewTestingLogger(t))
	require.NoError(t, err)
	defer f.Close()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, width := range []int{8, 64, 256} {
		c, err := f.Chunk(0, generate.ColumnName, width)
		require.NoError(t, err)

		var (
			pages     = make(chan stream.Page, 4)
			alignment = make(chan int, 1)
			words     = make(chan []byte, 4)
			gotPages  []stream.Page
			gotWords  bytes.Buffer
			offset    int
		)
		g, ctx := errgroup.WithContext(context.Background())
		g.Go(func() error { return c.Stream(ctx, pages, alignment, words) })
		g.Go(func() error {
			for p := range pages {
				gotPages = append(gotPages, p)
			}
			return nil
		})
		g.Go(func() error {
			offset = <-alignment
			for w := range words {
				assert.LessOrEqual(t, len(w), width)
				gotWords.Write(w)
			}
			return nil
		})
		require.NoError(t, g.Wait())

		var want []byte
		for i, p := range c.Pages() {
			assert.Equal(t, p.Page, gotPages[i])
			want = append(want, raw[p.PayloadOffset:p.PayloadOffset+int64(p.Page.CompressedSize)]...)
		}
		first := c.Pages()[0].PayloadOffset
		assert.Equal(t, int(first%int64(width))*8, offset)
		assert.Equal(t, want, gotWords.Bytes()[offset/8:])
	}
}

func Test_Chunk_Errors(t *testing.T) {
	f, err := Open(generateFile(t, nil), test.NewTestingLogger(t))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Chunk(1, generate.ColumnName, 64)
	assert.ErrorContains(t, err, "row group 1 out of range")
	_, err = f.Chunk(0, "missing", 64)
	assert.ErrorContains(t, err, `column "missing" not found`)

	optional := parquet.NewSchema("t", parquet.Group{"v": parquet.Optional(parquet.Leaf(parquet.Int64Type))})
	f, err = Open(writeRows(t, optional, []parquet.Row{{parquet.Int64Value(1).Level(0, 1, 0)}}), test.NewTestingLogger(t))
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Chunk(0, "v", 64)
	assert.ErrorIs(t, err, stream.ErrUnsupported)

	dict := parquet.NewSchema("t", parquet.Group{"v": parquet.Encoded(parquet.Leaf(parquet.Int64Type), &parquet.RLEDictionary)})
	f, err = Open(writeRows(t, dict, []parquet.Row{{parquet.Int64Value(1).Level(0, 0, 0)}, {parquet.Int64Value(1).Level(0, 0, 0)}}), test.NewTestingLogger(t))
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Chunk(0, "v", 64)
	assert.ErrorIs(t, err, stream.ErrUnsupported)
}

func Test_CheckDataPageV2(t *testing.T) {
	yes, no := true, false
	for _, tc := range []struct {
		name   string
		header format.DataPageHeaderV2
		codec  format.CompressionCodec
		err    string
	}{
		{name: "compressed", header: format.DataPageHeaderV2{IsCompressed: &yes}, codec: format.Snappy},
		{name: "compressed by default", codec: format.Snappy},
		{name: "uncompressed chunk", header: format.DataPageHeaderV2{IsCompressed: &no}, codec: format.Uncompressed},
		{name: "uncompressed page in snappy chunk", header: format.DataPageHeaderV2{IsCompressed: &no}, codec: format.Snappy, err: "stored uncompressed"},
		{name: "nulls", header: format.DataPageHeaderV2{NumNulls: 1}, codec: format.Snappy, err: "levels"},
		{name: "definition levels", header: format.DataPageHeaderV2{DefinitionLevelsByteLength: 2}, codec: format.Uncompressed, err: "levels"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := checkDataPageV2(&tc.header, tc.codec)
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, stream.ErrUnsupported)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func Test_CountingReader(t *testing.T) {
	cr := &countingReader{r: bytes.NewReader([]byte{1, 2, 3, 4})}
	b, err := cr.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), b)
	rest, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, rest)
	assert.Equal(t, int64(4), cr.n)
}
