package test

import (
	"context"

	"github.com/go-kit/log"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/ptoa/pkg/align"
	"github.com/grafana/ptoa/pkg/stream"
)

// Decoded is the output of a decoder run.
type Decoded struct {
	Pages []stream.Page
	Data  []byte
	Words int
	// Partial counts the output words shorter than the transfer width.
	Partial int
}

// RunDecoder runs dec behind a real aligner of the given transfer width.
// payload is sent in words of chunk bytes, after offset bits of padding
// reported through the alignment handshake. The decoder may stop before the
// end of the input; the run completes once both outputs are closed.
func RunDecoder(dec stream.Decoder, width, chunk, offset int, pages []stream.Page, payload []byte) (Decoded, error) {
	var res Decoded
	a := align.New(align.Config{
		Width:     width,
		Consumers: dec.Ports(),
		Stages:    2,
		Depth:     dec.MinAlignDepth(),
	}, log.NewNopLogger())

	pageCh := make(chan stream.Page, 2)
	alignment := make(chan int, 1)
	words := make(chan []byte, 2)
	outPages := make(chan stream.Page, 2)
	out := make(chan []byte, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pageCh)
		for _, p := range pages {
			if err := stream.Send(gctx, pageCh, p); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(words)
		if err := stream.Send(gctx, alignment, offset); err != nil {
			return err
		}
		for src := Shift(payload, offset); len(src) > 0; {
			n := min(chunk, len(src))
			if err := stream.Send(gctx, words, src[:n]); err != nil {
				return err
			}
			src = src[n:]
		}
		return nil
	})
	g.Go(func() error { return a.Run(gctx, alignment, words) })

	ports := make([]stream.Port, dec.Ports())
	for i := range ports {
		ports[i] = a.Port(i)
	}
	g.Go(func() error { return dec.Run(gctx, pageCh, ports, outPages, out) })

	drained := make(chan struct{}, 2)
	g.Go(func() error {
		for {
			p, ok, err := stream.Recv(gctx, outPages)
			if err != nil {
				return err
			}
			if !ok {
				drained <- struct{}{}
				return nil
			}
			res.Pages = append(res.Pages, p)
		}
	})
	g.Go(func() error {
		for {
			w, ok, err := stream.Recv(gctx, out)
			if err != nil {
				return err
			}
			if !ok {
				drained <- struct{}{}
				return nil
			}
			res.Data = append(res.Data, w...)
			res.Words++
			if len(w) < width {
				res.Partial++
			}
		}
	})

	complete := make(chan struct{})
	go func() {
		for i := 0; i < 2; i++ {
			select {
			case <-drained:
			case <-gctx.Done():
				return
			}
		}
		close(complete)
		cancel()
	}()

	err := g.Wait()
	select {
	case <-complete:
		return res, nil
	default:
		return res, err
	}
}

// Shift prefixes src with offset bits of padding, the inverse of the
// aligner realignment.
func Shift(src []byte, offset int) []byte {
	if offset == 0 {
		return src
	}
	out := make([]byte, (len(src)*8+offset+7)/8)
	for i := 0; i < len(src)*8; i++ {
		if src[i/8]>>(i%8)&1 == 1 {
			p := i + offset
			out[p/8] |= 1 << (p % 8)
		}
	}
	return out
}
