package decompress

import (
	"fmt"
	"strings"

	gsnappy "github.com/golang/snappy"
	"github.com/klauspost/compress/snappy"
)

// Codec is the block decompressor run by an engine. The engine only sees
// whole compressed pages.
type Codec interface {
	Name() string
	DecodedLen(src []byte) (int, error)
	Decode(dst, src []byte) ([]byte, error)
}

const (
	EngineKlauspost = "klauspost"
	EngineGolang    = "golang"
)

var engines = []string{EngineKlauspost, EngineGolang}

// Engines returns the names accepted by NewCodec.
func Engines() []string { return engines }

// NewCodec returns the snappy implementation called name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case EngineKlauspost, "":
		return klauspostCodec{}, nil
	case EngineGolang:
		return golangCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown snappy engine %q, expected one of %s", name, strings.Join(engines, ", "))
	}
}

type klauspostCodec struct{}

func (klauspostCodec) Name() string                           { return EngineKlauspost }
func (klauspostCodec) DecodedLen(src []byte) (int, error)     { return snappy.DecodedLen(src) }
func (klauspostCodec) Decode(dst, src []byte) ([]byte, error) { return snappy.Decode(dst, src) }

type golangCodec struct{}

func (golangCodec) Name() string                           { return EngineGolang }
func (golangCodec) DecodedLen(src []byte) (int, error)     { return gsnappy.DecodedLen(src) }
func (golangCodec) Decode(dst, src []byte) ([]byte, error) { return gsnappy.Decode(dst, src) }
