package delta

import (
	"encoding/binary"
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ptoa/pkg/stream"
	"github.com/grafana/ptoa/pkg/test"
)

// encodePage writes values as a DELTA_BINARY_PACKED page. minWidths, when
// set, forces a minimum bit width for the i-th miniblock of every block.
func encodePage(values []int64, blockSize, miniblocks int, minWidths []int) []byte {
	var first int64
	if len(values) > 0 {
		first = values[0]
	}
	buf := binary.AppendUvarint(nil, uint64(blockSize))
	buf = binary.AppendUvarint(buf, uint64(miniblocks))
	buf = binary.AppendUvarint(buf, uint64(len(values)))
	buf = binary.AppendVarint(buf, first)

	var deltas []int64
	for i := 1; i < len(values); i++ {
		deltas = append(deltas, values[i]-values[i-1])
	}
	size := blockSize / miniblocks
	for len(deltas) > 0 {
		block := deltas[:min(blockSize, len(deltas))]
		deltas = deltas[len(block):]

		minDelta := int64(math.MaxInt64)
		for _, d := range block {
			minDelta = min(minDelta, d)
		}
		buf = binary.AppendVarint(buf, minDelta)

		widths := make([]int, miniblocks)
		var bodies []byte
		for j := 0; j < miniblocks; j++ {
			lo := j * size
			if lo >= len(block) {
				break
			}
			mb := make([]uint64, size)
			var maxv uint64
			for k := 0; k < size && lo+k < len(block); k++ {
				mb[k] = uint64(block[lo+k] - minDelta)
				maxv = max(maxv, mb[k])
			}
			widths[j] = bits.Len64(maxv)
			if len(minWidths) > 0 {
				widths[j] = max(widths[j], minWidths[j%len(minWidths)])
			}
			bodies = append(bodies, pack(mb, widths[j])...)
		}
		for _, w := range widths {
			buf = append(buf, byte(w))
		}
		buf = append(buf, bodies...)
	}
	return buf
}

func pack(values []uint64, width int) []byte {
	out := make([]byte, len(values)*width/8)
	pos := 0
	for _, v := range values {
		for b := 0; b < width; b++ {
			if v>>b&1 == 1 {
				out[pos/8] |= 1 << (pos % 8)
			}
			pos++
		}
	}
	return out
}

func expectBytes(values []int64, elemSize int) []byte {
	out := make([]byte, 0, len(values)*elemSize)
	for _, v := range values {
		if elemSize == 4 {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		} else {
			out = binary.LittleEndian.AppendUint64(out, uint64(v))
		}
	}
	return out
}

// decode runs the decoder behind a real aligner over the given pages.
func decode(cfg Config, pages []stream.Page, payload []byte) (test.Decoded, error) {
	dec := NewDecoder(cfg, stream.NewMetrics(nil), log.NewNopLogger())
	return test.RunDecoder(dec, cfg.TransferWidth, cfg.TransferWidth, 0, pages, payload)
}

func pageOf(values []int64, payload []byte) stream.Page {
	return stream.Page{
		NumValues:        uint32(len(values)),
		CompressedSize:   uint32(len(payload)),
		UncompressedSize: uint32(len(payload)),
	}
}

func defaultConfig() Config {
	return Config{PrimitiveWidth: 8, TransferWidth: 64, MaxPerStep: 8, QueueDepth: 4}
}

func Test_Decoder_MixedWidths(t *testing.T) {
	values := make([]int64, 128)
	values[0] = 10
	for i := 1; i < len(values); i++ {
		var d int64
		switch mb := (i - 1) / 32; mb {
		case 0:
			d = 0
		case 1:
			d = int64((i - 1) % 8)
		case 2:
			d = int64((i - 1) % 32)
		default:
			d = int64(i) * 1000
		}
		values[i] = values[i-1] + d
	}
	payload := encodePage(values, 128, 4, []int{0, 3, 5, 64})
	// header (2+1+2+1), min delta, 4 widths, bodies of 0, 12, 20 and 256 bytes
	require.Len(t, payload, 6+1+4+12+20+256)
	assert.Equal(t, []byte{0, 3, 5, 64}, payload[7:11])

	res, err := decode(defaultConfig(), []stream.Page{pageOf(values, payload)}, payload)
	require.NoError(t, err)
	require.Len(t, res.Data, 128*8)
	assert.Equal(t, expectBytes(values, 8), res.Data)
	for i := 0; i < 33; i++ {
		assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(res.Data[i*8:]), "value %d", i)
	}
	assert.Equal(t, []stream.Page{pageOf(values, payload)}, res.Pages)
}

func Test_Decoder_RoundTrip(t *testing.T) {
	type testCase struct {
		name       string
		blockSize  int
		miniblocks int
		counts     []int
		spread     int64
		cfg        Config
	}
	for _, tc := range []testCase{
		{name: "single value", blockSize: 128, miniblocks: 4, counts: []int{1}, spread: 10, cfg: defaultConfig()},
		{name: "empty page", blockSize: 128, miniblocks: 4, counts: []int{0, 5}, spread: 10, cfg: defaultConfig()},
		{name: "partial miniblock", blockSize: 128, miniblocks: 4, counts: []int{70}, spread: 1000, cfg: defaultConfig()},
		{name: "several blocks", blockSize: 128, miniblocks: 4, counts: []int{1000}, spread: 1 << 20, cfg: defaultConfig()},
		{name: "full range", blockSize: 256, miniblocks: 8, counts: []int{600, 300}, spread: 0, cfg: defaultConfig()},
		{name: "wide miniblocks", blockSize: 128, miniblocks: 1, counts: []int{400}, spread: 77, cfg: defaultConfig()},
		{name: "narrow transfer", blockSize: 128, miniblocks: 4, counts: []int{300, 17}, spread: 0,
			cfg: Config{PrimitiveWidth: 8, TransferWidth: 4, MaxPerStep: 8, QueueDepth: 2}},
		{name: "one per step", blockSize: 64, miniblocks: 2, counts: []int{200}, spread: 1 << 40,
			cfg: Config{PrimitiveWidth: 8, TransferWidth: 8, MaxPerStep: 1, QueueDepth: 1}},
		{name: "int32", blockSize: 128, miniblocks: 4, counts: []int{500, 129}, spread: 1 << 31,
			cfg: Config{PrimitiveWidth: 4, TransferWidth: 16, MaxPerStep: 32, QueueDepth: 4}},
		{name: "steps spanning words", blockSize: 128, miniblocks: 4, counts: []int{700, 90}, spread: 0,
			cfg: Config{PrimitiveWidth: 8, TransferWidth: 8, MaxPerStep: 32, QueueDepth: 2}},
		{name: "sixteen per step", blockSize: 256, miniblocks: 8, counts: []int{513}, spread: 0,
			cfg: Config{PrimitiveWidth: 8, TransferWidth: 64, MaxPerStep: 16, QueueDepth: 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rnd := rand.New(rand.NewSource(int64(len(tc.name))))
			var (
				pages   []stream.Page
				payload []byte
				all     []int64
			)
			for _, n := range tc.counts {
				values := make([]int64, n)
				for i := range values {
					if tc.spread == 0 {
						values[i] = int64(rnd.Uint64())
					} else {
						values[i] = rnd.Int63n(tc.spread) - tc.spread/2
					}
					if tc.cfg.PrimitiveWidth == 4 {
						values[i] = int64(int32(values[i]))
					}
				}
				p := encodePage(values, tc.blockSize, tc.miniblocks, nil)
				pages = append(pages, pageOf(values, p))
				payload = append(payload, p...)
				all = append(all, values...)
			}
			res, err := decode(tc.cfg, pages, payload)
			require.NoError(t, err)
			assert.Equal(t, expectBytes(all, tc.cfg.PrimitiveWidth), res.Data)
			assert.Equal(t, pages, res.Pages)
		})
	}
}

func Test_Decoder_TotalValues(t *testing.T) {
	var (
		pages   []stream.Page
		payload []byte
		all     []int64
	)
	for p := 0; p < 3; p++ {
		values := make([]int64, 40)
		for i := range values {
			values[i] = int64(p*1000 + i*i)
		}
		b := encodePage(values, 128, 4, nil)
		pages = append(pages, pageOf(values, b))
		payload = append(payload, b...)
		all = append(all, values...)
	}
	cfg := defaultConfig()
	cfg.TotalValues = 50
	res, err := decode(cfg, pages, payload)
	require.NoError(t, err)
	assert.Equal(t, expectBytes(all[:50], 8), res.Data)
}

func Test_Decoder_Errors(t *testing.T) {
	values := []int64{1, 2, 3, 5, 8, 13, 21, 34, 55}
	good := encodePage(values, 128, 4, nil)

	t.Run("value count mismatch", func(t *testing.T) {
		p := pageOf(values, good)
		p.NumValues++
		_, err := decode(defaultConfig(), []stream.Page{p}, good)
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
	t.Run("page size mismatch", func(t *testing.T) {
		payload := append(append([]byte(nil), good...), 0, 0, 0)
		p := pageOf(values, payload)
		_, err := decode(defaultConfig(), []stream.Page{p}, payload)
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
	t.Run("miniblock size", func(t *testing.T) {
		payload := encodePage(values, 48, 3, nil)
		_, err := decode(defaultConfig(), []stream.Page{pageOf(values, payload)}, payload)
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
	t.Run("unterminated varint", func(t *testing.T) {
		payload := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
		p := stream.Page{NumValues: 1, CompressedSize: uint32(len(payload)), UncompressedSize: uint32(len(payload))}
		_, err := decode(defaultConfig(), []stream.Page{p}, payload)
		assert.ErrorIs(t, err, stream.ErrVarIntOverflow)
	})
	t.Run("bit width", func(t *testing.T) {
		payload := append([]byte(nil), good...)
		payload[6] = 65
		_, err := decode(defaultConfig(), []stream.Page{pageOf(values, payload)}, payload)
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
}

func Test_Table(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8, 16, 32, 64} {
		table := NewTable(n)
		assert.Equal(t, n, table.Count(0))
		assert.Equal(t, 0, table.Shift(0))
		for w := 1; w <= MaxBitWidth; w++ {
			c := table.Count(w)
			assert.True(t, stream.IsPowerOfTwo(c), "n=%d w=%d", n, w)
			assert.Zero(t, 32%c, "n=%d w=%d", n, w)
			assert.LessOrEqual(t, c, n)
			assert.Equal(t, c*w, table.Shift(w))
			next := 2 * c
			assert.False(t, next <= n && 32%next == 0, "n=%d w=%d: %d is not the largest count", n, w, c)
		}
	}

	// the count does not depend on the width
	for _, tc := range []struct{ n, want int }{{8, 8}, {16, 16}, {32, 32}, {64, 32}} {
		table := NewTable(tc.n)
		for _, w := range []int{1, 17, 32, 33, 64} {
			assert.Equal(t, tc.want, table.Count(w), "n=%d w=%d", tc.n, w)
		}
	}
}

func Test_Carry(t *testing.T) {
	var c carry
	c.push([]byte{0b1011_0101, 0xff})
	assert.Equal(t, 16, c.bits())
	assert.Equal(t, uint64(0b101), c.take(3))
	assert.Equal(t, uint64(0b1_0110), c.take(5))
	c.push([]byte{0x01})
	assert.Equal(t, uint64(0x1ff), c.take(9))
	assert.Equal(t, 7, c.bits())
	c.reset()
	assert.Zero(t, c.bits())
}

func Test_Decoder_UnalignedSource(t *testing.T) {
	values := make([]int64, 777)
	for i := range values {
		values[i] = int64(i*i) - 5000
	}
	payload := encodePage(values, 128, 4, nil)
	pages := []stream.Page{pageOf(values, payload)}
	for _, offset := range []int{3, 13, 64*8 - 1} {
		dec := NewDecoder(defaultConfig(), stream.NewMetrics(nil), log.NewNopLogger())
		res, err := test.RunDecoder(dec, 64, 5, offset, pages, payload)
		require.NoError(t, err)
		assert.Equal(t, expectBytes(values, 8), res.Data, "offset %d", offset)
	}
}
