// Package column reads the column chunks of a Parquet file and streams their
// pages to the decode pipeline. Container parsing (footer, schema, page
// headers) is delegated to parquet-go; the pipeline only sees the page
// descriptors and the page payloads.
package column

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/decompress"
	"github.com/grafana/ptoa/pkg/pipeline"
	"github.com/grafana/ptoa/pkg/stream"
)

// File is an open Parquet file.
type File struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
	pf     *parquet.File
	logger log.Logger
}

// Open opens the Parquet file at path.
func Open(path string, logger log.Logger) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stats, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	file, err := OpenReader(f, stats.Size(), logger)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	file.closer = f
	return file, nil
}

// OpenReader reads the footer of the Parquet file of the given size.
func OpenReader(r io.ReaderAt, size int64, logger log.Logger) (*File, error) {
	pf, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return nil, err
	}
	return &File{r: r, size: size, pf: pf, logger: logger}, nil
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *File) Metadata() *format.FileMetaData { return f.pf.Metadata() }

// Parquet returns the parquet-go view of the file.
func (f *File) Parquet() *parquet.File { return f.pf }

// Columns returns the path of every leaf column, joined with dots.
func (f *File) Columns() []string {
	return lo.Map(f.pf.Schema().Columns(), func(path []string, _ int) string {
		return strings.Join(path, ".")
	})
}

// NumRowGroups returns the number of row groups of the file.
func (f *File) NumRowGroups() int { return len(f.Metadata().RowGroups) }

// Chunk reads the page headers of the chunk of column name in row group
// rowGroup. The payload words are transferWidth bytes wide.
func (f *File) Chunk(rowGroup int, name string, transferWidth int) (*Chunk, error) {
	meta := f.Metadata()
	if rowGroup < 0 || rowGroup >= len(meta.RowGroups) {
		return nil, errors.Errorf("row group %d out of range, the file has %d", rowGroup, len(meta.RowGroups))
	}
	leaf, ok := f.pf.Schema().Lookup(strings.Split(name, ".")...)
	if !ok {
		return nil, errors.Errorf("column %q not found, the file has %s", name, strings.Join(f.Columns(), ", "))
	}
	if leaf.MaxRepetitionLevel > 0 || leaf.MaxDefinitionLevel > 0 {
		return nil, errors.Wrapf(stream.ErrUnsupported, "column %q is optional or repeated", name)
	}
	cc := meta.RowGroups[rowGroup].Columns[leaf.ColumnIndex]
	c := &Chunk{
		r:        f.r,
		name:     name,
		rowGroup: rowGroup,
		meta:     cc.MetaData,
		width:    transferWidth,
		logger:   log.With(f.logger, "component", "column", "column", name, "row_group", rowGroup),
	}
	if err := c.readHeaders(); err != nil {
		return nil, errors.Wrapf(err, "column %q row group %d", name, rowGroup)
	}
	if err := c.describe(); err != nil {
		return nil, errors.Wrapf(err, "column %q row group %d", name, rowGroup)
	}
	return c, nil
}

// PageInfo locates a page of a column chunk.
type PageInfo struct {
	Offset        int64
	HeaderSize    int64
	Type          format.PageType
	Encoding      format.Encoding
	PayloadOffset int64
	Page          stream.Page
}

// Chunk is a column chunk. It implements pipeline.Source.
type Chunk struct {
	r        io.ReaderAt
	name     string
	rowGroup int
	meta     format.ColumnMetaData
	width    int
	logger   log.Logger

	pages []PageInfo
	info  pipeline.ColumnInfo
}

func (c *Chunk) Name() string                    { return c.name }
func (c *Chunk) RowGroup() int                   { return c.rowGroup }
func (c *Chunk) Metadata() format.ColumnMetaData { return c.meta }
func (c *Chunk) Pages() []PageInfo               { return c.pages }
func (c *Chunk) Info() pipeline.ColumnInfo       { return c.info }

func (c *Chunk) readHeaders() error {
	start := c.meta.DataPageOffset
	if c.meta.DictionaryPageOffset > 0 && c.meta.DictionaryPageOffset < start {
		start = c.meta.DictionaryPageOffset
	}
	end := start + c.meta.TotalCompressedSize

	var protocol thrift.CompactProtocol
	for pos := start; pos < end; {
		cr := &countingReader{r: io.NewSectionReader(c.r, pos, end-pos)}
		var header format.PageHeader
		if err := thrift.NewDecoder(protocol.NewReader(cr)).Decode(&header); err != nil {
			return errors.Wrapf(err, "decoding page header at offset %d", pos)
		}
		p := PageInfo{
			Offset:        pos,
			HeaderSize:    cr.n,
			Type:          header.Type,
			PayloadOffset: pos + cr.n,
			Page: stream.Page{
				CompressedSize:   uint32(header.CompressedPageSize),
				UncompressedSize: uint32(header.UncompressedPageSize),
			},
		}
		switch header.Type {
		case format.DataPage:
			p.Encoding = header.DataPageHeader.Encoding
			p.Page.NumValues = uint32(header.DataPageHeader.NumValues)
		case format.DataPageV2:
			h := header.DataPageHeaderV2
			if err := checkDataPageV2(h, c.meta.Codec); err != nil {
				return errors.Wrapf(err, "data page v2 at offset %d", pos)
			}
			p.Encoding = h.Encoding
			p.Page.NumValues = uint32(h.NumValues)
		case format.DictionaryPage:
			return errors.Wrap(stream.ErrUnsupported, "dictionary encoded column")
		default:
			level.Debug(c.logger).Log("msg", "skipping page", "type", header.Type, "offset", pos)
			pos = p.PayloadOffset + int64(header.CompressedPageSize)
			continue
		}
		c.pages = append(c.pages, p)
		pos = p.PayloadOffset + int64(header.CompressedPageSize)
	}
	return nil
}

// checkDataPageV2 rejects the v2 pages the pipeline cannot stream as a plain
// payload: pages with levels and pages stored uncompressed in a compressed
// chunk.
func checkDataPageV2(h *format.DataPageHeaderV2, codec format.CompressionCodec) error {
	if h.NumNulls != 0 || h.DefinitionLevelsByteLength != 0 || h.RepetitionLevelsByteLength != 0 {
		return errors.Wrap(stream.ErrUnsupported, "page carries levels")
	}
	if codec != format.Uncompressed && h.IsCompressed != nil && !*h.IsCompressed {
		return errors.Wrapf(stream.ErrUnsupported, "page is stored uncompressed in a %v chunk", codec)
	}
	return nil
}

func (c *Chunk) describe() error {
	info := pipeline.ColumnInfo{NumPages: len(c.pages)}
	switch c.meta.Type {
	case format.Int32:
		info.PrimitiveWidth, info.Integer = 4, true
	case format.Int64:
		info.PrimitiveWidth, info.Integer = 8, true
	case format.Float:
		info.PrimitiveWidth = 4
	case format.Double:
		info.PrimitiveWidth = 8
	default:
		return errors.Wrapf(stream.ErrUnsupported, "physical type %s", c.meta.Type)
	}

	switch c.meta.Codec {
	case format.Uncompressed:
		info.Compression = decompress.KindUncompressed
	case format.Snappy:
		info.Compression = decompress.KindSnappy
	default:
		return errors.Wrapf(stream.ErrUnsupported, "compression codec %s", c.meta.Codec)
	}

	encodings := lo.Uniq(lo.Map(c.pages, func(p PageInfo, _ int) format.Encoding { return p.Encoding }))
	switch {
	case len(encodings) == 0:
		info.Encoding = pipeline.EncodingPlain
	case len(encodings) > 1:
		return errors.Wrapf(stream.ErrUnsupported, "pages mix encodings %v", encodings)
	case encodings[0] == format.Plain:
		info.Encoding = pipeline.EncodingPlain
	case encodings[0] == format.DeltaBinaryPacked:
		info.Encoding = pipeline.EncodingDelta
	default:
		return errors.Wrapf(stream.ErrUnsupported, "encoding %s", encodings[0])
	}

	info.NumValues = lo.SumBy(c.pages, func(p PageInfo) int64 { return int64(p.Page.NumValues) })
	if info.NumValues != c.meta.NumValues {
		return errors.Wrapf(stream.ErrFraming, "pages hold %d values, column chunk declares %d", info.NumValues, c.meta.NumValues)
	}
	c.info = info
	return nil
}

// Stream sends the page descriptors and, independently, the page payloads.
// The payload is read from the word aligned address preceding the first
// page; the bits in between are reported on alignment.
func (c *Chunk) Stream(ctx context.Context, pages chan<- stream.Page, alignment chan<- int, words chan<- []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pages)
		for _, p := range c.pages {
			if err := stream.Send(ctx, pages, p.Page); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(words)
		defer close(alignment)
		if len(c.pages) == 0 {
			return stream.Send(ctx, alignment, 0)
		}
		first := c.pages[0].PayloadOffset
		aligned := first - first%int64(c.width)
		if err := stream.Send(ctx, alignment, int(first-aligned)*8); err != nil {
			return err
		}
		readers := make([]io.Reader, 0, len(c.pages))
		for i, p := range c.pages {
			off, n := p.PayloadOffset, int64(p.Page.CompressedSize)
			if i == 0 {
				off, n = aligned, n+first-aligned
			}
			readers = append(readers, io.NewSectionReader(c.r, off, n))
		}
		return c.sendWords(ctx, io.MultiReader(readers...), words)
	})
	return g.Wait()
}

func (c *Chunk) sendWords(ctx context.Context, r io.Reader, words chan<- []byte) error {
	for {
		w := make([]byte, c.width)
		n, err := io.ReadFull(r, w)
		if n > 0 {
			if err := stream.Send(ctx, words, w[:n]); err != nil {
				return err
			}
		}
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return nil
		case err != nil:
			return errors.Wrap(err, "reading page payload")
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
	b [1]byte
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(r, r.b[:]); err != nil {
		return 0, err
	}
	return r.b[0], nil
}
