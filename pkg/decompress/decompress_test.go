package decompress

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/go-kit/log"
	gsnappy "github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/align"
	"github.com/grafana/ptoa/pkg/stream"
)

type output struct {
	pages []stream.Page
	data  []byte
	words [][]byte
}

// runStage runs stage behind an aligner fed with payload.
func runStage(stage Stage, width int, pages []stream.Page, payload []byte) (output, error) {
	var res output
	a := align.New(align.Config{Width: width, Consumers: 1, Stages: 1, Depth: 4}, log.NewNopLogger())
	pageCh := make(chan stream.Page)
	alignment := make(chan int, 1)
	words := make(chan []byte)
	outPages := make(chan stream.Page, 1)
	out := make(chan []byte, 1)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(pageCh)
		for _, p := range pages {
			if err := stream.Send(ctx, pageCh, p); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(words)
		alignment <- 0
		for src := payload; len(src) > 0; {
			n := min(width, len(src))
			if err := stream.Send(ctx, words, src[:n]); err != nil {
				return err
			}
			src = src[n:]
		}
		return nil
	})
	g.Go(func() error { return a.Run(ctx, alignment, words) })
	g.Go(func() error { return stage.Run(ctx, pageCh, a.Port(0), outPages, out) })
	g.Go(func() error {
		for {
			p, ok, err := stream.Recv(ctx, outPages)
			if err != nil || !ok {
				return err
			}
			res.pages = append(res.pages, p)
		}
	})
	g.Go(func() error {
		for {
			w, ok, err := stream.Recv(ctx, out)
			if err != nil || !ok {
				return err
			}
			res.words = append(res.words, w)
			res.data = append(res.data, w...)
		}
	})
	err := g.Wait()
	return res, err
}

func randomPage(rnd *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		// compressible
		b[i] = byte(rnd.Intn(4))
	}
	return b
}

type testPages struct {
	raw        [][]byte
	compressed []stream.Page
	plain      []stream.Page
	snappy     []byte
	payload    []byte
}

func makePages(sizes ...int) testPages {
	rnd := rand.New(rand.NewSource(int64(len(sizes))))
	var tp testPages
	for _, n := range sizes {
		raw := randomPage(rnd, n)
		enc := gsnappy.Encode(nil, raw)
		tp.raw = append(tp.raw, raw)
		tp.snappy = append(tp.snappy, enc...)
		tp.payload = append(tp.payload, raw...)
		tp.compressed = append(tp.compressed, stream.Page{NumValues: uint32(n), CompressedSize: uint32(len(enc)), UncompressedSize: uint32(n)})
		tp.plain = append(tp.plain, stream.Page{NumValues: uint32(n), CompressedSize: uint32(n), UncompressedSize: uint32(n)})
	}
	return tp
}

func testConfig() Config {
	return Config{TransferWidth: 16, QueueDepth: 4, Engine: EngineKlauspost, EngineWidth: 8, EngineCount: 1}
}

func Test_Snappy(t *testing.T) {
	tp := makePages(1000, 3, 517, 64, 2048)
	for _, engine := range Engines() {
		for _, tc := range []struct {
			engineWidth, engineCount, width int
		}{
			{8, 1, 16},
			{3, 1, 16},
			{16, 3, 16},
			{1, 2, 4},
			{64, 4, 64},
		} {
			t.Run(fmt.Sprintf("%s/%d-%d-%d", engine, tc.engineWidth, tc.engineCount, tc.width), func(t *testing.T) {
				cfg := testConfig()
				cfg.Engine = engine
				cfg.EngineWidth = tc.engineWidth
				cfg.EngineCount = tc.engineCount
				cfg.TransferWidth = tc.width
				stage, err := New(cfg, KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
				require.NoError(t, err)
				res, err := runStage(stage, tc.width, tp.compressed, tp.snappy)
				require.NoError(t, err)
				assert.Equal(t, tp.compressed, res.pages)
				assert.Equal(t, tp.payload, res.data)
			})
		}
	}
}

func Test_PassthroughMatchesSnappy(t *testing.T) {
	tp := makePages(100, 33, 250)
	cfg := testConfig()

	pass, err := New(cfg, KindUncompressed, stream.NewMetrics(nil), log.NewNopLogger())
	require.NoError(t, err)
	plain, err := runStage(pass, cfg.TransferWidth, tp.plain, tp.payload)
	require.NoError(t, err)

	snap, err := New(cfg, KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
	require.NoError(t, err)
	compressed, err := runStage(snap, cfg.TransferWidth, tp.compressed, tp.snappy)
	require.NoError(t, err)

	assert.Equal(t, tp.payload, plain.data)
	assert.Equal(t, plain.data, compressed.data)
	assert.Equal(t, plain.words, compressed.words, "both paths split pages into the same words")
	for i := range plain.pages {
		assert.Equal(t, plain.pages[i].NumValues, compressed.pages[i].NumValues)
	}
}

// slowCodec delays the pages larger than threshold.
type slowCodec struct {
	Codec
	threshold int
	delay     time.Duration
}

func (c slowCodec) Decode(dst, src []byte) ([]byte, error) {
	if len(src) > c.threshold {
		time.Sleep(c.delay)
	}
	return c.Codec.Decode(dst, src)
}

func Test_Snappy_Ordering(t *testing.T) {
	tp := makePages(4096, 10, 4096, 10, 4096, 10)
	cfg := testConfig()
	cfg.EngineCount = 2
	stage := NewSnappy(cfg, slowCodec{Codec: klauspostCodec{}, threshold: 100, delay: 20 * time.Millisecond}, stream.NewMetrics(nil), log.NewNopLogger())
	res, err := runStage(stage, cfg.TransferWidth, tp.compressed, tp.snappy)
	require.NoError(t, err)
	assert.Equal(t, tp.compressed, res.pages)
	assert.Equal(t, tp.payload, res.data)
}

func Test_Snappy_Faults(t *testing.T) {
	t.Run("corrupt block", func(t *testing.T) {
		tp := makePages(300)
		corrupt := append([]byte(nil), tp.snappy...)
		for i := 2; i < len(corrupt); i++ {
			corrupt[i] = 0xff
		}
		stage, err := New(testConfig(), KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
		require.NoError(t, err)
		_, err = runStage(stage, 16, tp.compressed, corrupt)
		assert.ErrorIs(t, err, stream.ErrDecompression)
	})
	t.Run("size mismatch", func(t *testing.T) {
		tp := makePages(300)
		tp.compressed[0].UncompressedSize = 299
		stage, err := New(testConfig(), KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
		require.NoError(t, err)
		_, err = runStage(stage, 16, tp.compressed, tp.snappy)
		assert.ErrorIs(t, err, stream.ErrDecompression)
	})
	t.Run("truncated stream", func(t *testing.T) {
		tp := makePages(300)
		stage, err := New(testConfig(), KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
		require.NoError(t, err)
		_, err = runStage(stage, 16, tp.compressed, tp.snappy[:len(tp.snappy)-4])
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
	t.Run("uncompressed size mismatch", func(t *testing.T) {
		tp := makePages(300)
		tp.plain[0].CompressedSize = 200
		stage, err := New(testConfig(), KindUncompressed, stream.NewMetrics(nil), log.NewNopLogger())
		require.NoError(t, err)
		_, err = runStage(stage, 16, tp.plain, tp.payload)
		assert.ErrorIs(t, err, stream.ErrFraming)
	})
}

func Test_New(t *testing.T) {
	_, err := New(testConfig(), Kind("gzip"), stream.NewMetrics(nil), log.NewNopLogger())
	assert.ErrorIs(t, err, stream.ErrUnsupported)

	cfg := testConfig()
	cfg.Engine = "zstd"
	assert.Error(t, cfg.Validate())
	_, err = New(cfg, KindSnappy, stream.NewMetrics(nil), log.NewNopLogger())
	assert.Error(t, err)
}
