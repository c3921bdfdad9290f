package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/ptoa/pkg/column"
	ptoacontext "github.com/grafana/ptoa/pkg/ptoa/context"
)

func inspect(ctx context.Context, path string) error {
	f, err := column.Open(path, ptoacontext.Logger(ctx))
	if err != nil {
		return err
	}
	defer f.Close()

	out := ptoacontext.Output(ctx)
	meta := f.Metadata()
	fmt.Fprintln(out, "File:", path)
	fmt.Fprintln(out, "Schema:", f.Parquet().Schema())
	fmt.Fprintln(out, "Num Rows:", meta.NumRows)
	for rg := range meta.RowGroups {
		fmt.Fprintln(out, "\t Row group:", rg)
		for _, name := range f.Columns() {
			fmt.Fprintln(out, "\t\t Column:", name)
			chunk, err := f.Chunk(rg, name, cfg.pipeline.TransferWidth)
			if err != nil {
				fmt.Fprintln(out, "\t\t Not decodable:", err)
				continue
			}
			info := chunk.Info()
			fmt.Fprintf(out, "\t\t %s, %s, %d byte values, %s values\n", info.Encoding, info.Compression, info.PrimitiveWidth, humanize.Comma(info.NumValues))

			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Page", "Offset", "Header", "Type", "Encoding", "Values", "Compressed", "Uncompressed"})
			for i, p := range chunk.Pages() {
				table.Append([]string{
					strconv.Itoa(i),
					strconv.FormatInt(p.Offset, 10),
					strconv.FormatInt(p.HeaderSize, 10),
					p.Type.String(),
					p.Encoding.String(),
					strconv.FormatUint(uint64(p.Page.NumValues), 10),
					humanize.Bytes(uint64(p.Page.CompressedSize)),
					humanize.Bytes(uint64(p.Page.UncompressedSize)),
				})
			}
			table.Render()
		}
	}
	return nil
}
