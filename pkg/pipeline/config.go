package pipeline

import (
	"flag"
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/ptoa/pkg/decompress"
	"github.com/grafana/ptoa/pkg/stream"
)

const (
	CodecAuto         = "auto"
	CodecUncompressed = string(decompress.KindUncompressed)
	CodecSnappy       = string(decompress.KindSnappy)
)

// Config is fixed at construction and shared by every stage of a run.
type Config struct {
	// PrimitiveWidth is the element width in bits. Zero takes it from the
	// column type.
	PrimitiveWidth   int    `yaml:"primitive_width"`
	TransferWidth    int    `yaml:"transfer_width"`
	MaxValuesPerStep int    `yaml:"max_values_per_step"`
	Codec            string `yaml:"codec"`
	QueueDepth       int    `yaml:"queue_depth"`
	AlignStages      int    `yaml:"align_stages"`
	AlignDepth       int    `yaml:"align_depth"`
	TotalValues      int64  `yaml:"total_values"`

	Decompress decompress.Config `yaml:",inline"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.PrimitiveWidth, "primitive-width", 0, "Width of the decoded elements in bits (32 or 64). 0 uses the width of the column type.")
	f.IntVar(&cfg.TransferWidth, "transfer-width", 64, "Width of the words exchanged between stages in bytes. Must be a power of two.")
	f.IntVar(&cfg.MaxValuesPerStep, "max-values-per-step", 8, "Maximum number of deltas unpacked per step. Must be a power of two between 1 and 32.")
	f.StringVar(&cfg.Codec, "codec", CodecAuto, "Decompression path: auto (from the column metadata), uncompressed or snappy.")
	f.IntVar(&cfg.QueueDepth, "queue-depth", 4, "Capacity of the links between stages, and maximum number of pages in flight in the decompressor.")
	f.IntVar(&cfg.AlignStages, "align-stages", 2, "Number of steps the aligner spreads its bit shift over.")
	f.Int64Var(&cfg.TotalValues, "total-values", 0, "Number of values to decode. 0 decodes the whole column chunk.")
	f.IntVar(&cfg.AlignDepth, "align-depth", 16, "Number of words the aligners buffer ahead of their slowest consumer.")
	cfg.Decompress.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	switch cfg.PrimitiveWidth {
	case 0, 32, 64:
	default:
		return fmt.Errorf("primitive-width must be 32 or 64, got %d", cfg.PrimitiveWidth)
	}
	if !stream.IsPowerOfTwo(cfg.TransferWidth) {
		return fmt.Errorf("transfer-width must be a power of two, got %d", cfg.TransferWidth)
	}
	if !stream.IsPowerOfTwo(cfg.MaxValuesPerStep) || cfg.MaxValuesPerStep > 32 {
		return fmt.Errorf("max-values-per-step must be a power of two between 1 and 32, got %d", cfg.MaxValuesPerStep)
	}
	switch cfg.Codec {
	case CodecAuto, CodecUncompressed, CodecSnappy:
	default:
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	if cfg.QueueDepth < 1 {
		return errors.New("queue-depth must be positive")
	}
	if cfg.AlignStages < 1 {
		return errors.New("align-stages must be positive")
	}
	if cfg.AlignDepth < 2 {
		return errors.New("align-depth must be at least 2")
	}
	if cfg.TotalValues < 0 {
		return errors.New("total-values must not be negative")
	}
	return cfg.Decompress.Validate()
}

// DefaultConfig returns the configuration with every flag at its default.
func DefaultConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	return cfg
}

// LoadFile overrides cfg with the values set in the YAML file at path.
func LoadFile(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}
