package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/alecthomas/kingpin.v2"

	_ "github.com/grafana/ptoa/pkg/build"
	"github.com/grafana/ptoa/pkg/generate"
	"github.com/grafana/ptoa/pkg/pipeline"
	ptoacontext "github.com/grafana/ptoa/pkg/ptoa/context"
)

var cfg struct {
	verbose    bool
	metrics    bool
	configFile string
	pipeline   pipeline.Config
	generate   generate.Config

	file     string
	files    []string
	column   string
	rowGroup int
	output   string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

// errVerifyFailed is returned once the mismatches have been reported.
var errVerifyFailed = errors.New("verification failed")

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Streaming decoder for primitive Parquet columns.").UsageWriter(os.Stdout)
	app.Version(version.Print("ptoa"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("metrics", "Print the decoder metrics after the run.").Default("false").BoolVar(&cfg.metrics)
	app.Flag("config.file", "YAML file with the decoder configuration. Command line flags take precedence.").StringVar(&cfg.configFile)
	bindFlags(app, &cfg.pipeline)

	decodeCmd := app.Command("decode", "Decode a column chunk into a buffer of little-endian values.")
	decodeCmd.Arg("file", "Parquet file path").Required().ExistingFileVar(&cfg.file)
	chunkFlags(decodeCmd)
	decodeCmd.Flag("output", "File receiving the decoded values. Values are discarded when empty.").Short('o').StringVar(&cfg.output)

	verifyCmd := app.Command("verify", "Decode a column chunk and compare it to the values read by parquet-go.")
	verifyCmd.Arg("file", "Parquet file path").Required().ExistingFileVar(&cfg.file)
	chunkFlags(verifyCmd)

	generateCmd := app.Command("generate", "Write a single column Parquet file of random values.")
	generateCmd.Arg("file", "Destination path").Required().StringVar(&cfg.file)
	bindFlags(generateCmd, &cfg.generate)

	inspectCmd := app.Command("inspect", "Print the pages of every column chunk.")
	inspectCmd.Arg("file", "Parquet file path").Required().ExistingFilesVar(&cfg.files)

	// the config file is applied over the flag defaults and under the flags
	// set on the command line
	if path := configFileArg(os.Args[1:]); path != "" {
		if err := pipeline.LoadFile(path, &cfg.pipeline); err != nil {
			os.Exit(checkError(err))
		}
	}

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	reg := prometheus.NewRegistry()
	ctx := ptoacontext.WithLogger(context.Background(), logger)
	ctx = ptoacontext.WithRegistry(ctx, reg)
	ctx = ptoacontext.WithOutput(ctx, os.Stdout)

	var err error
	switch parsedCmd {
	case decodeCmd.FullCommand():
		err = decode(ctx)
	case verifyCmd.FullCommand():
		err = verifyChunk(ctx)
	case generateCmd.FullCommand():
		err = generateFile(ctx)
	case inspectCmd.FullCommand():
		// every file is inspected, failures are reported together
		var errs *multierror.Error
		for _, file := range cfg.files {
			if ferr := inspect(ctx, file); ferr != nil {
				errs = multierror.Append(errs, errors.Wrap(ferr, file))
			}
		}
		err = errs.ErrorOrNil()
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if err == nil && cfg.metrics {
		err = printMetrics(ctx, reg)
	}
	os.Exit(checkError(err))
}

func chunkFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("column", "Dot separated path of the column to decode.").Default(generate.ColumnName).StringVar(&cfg.column)
	cmd.Flag("row-group", "Index of the row group to decode.").Default("0").IntVar(&cfg.rowGroup)
}

type flagger interface {
	Flag(name, help string) *kingpin.FlagClause
}

// bindFlags exposes the flags of r through kingpin. The current values of r
// are kept for the flags that are not set, so they must be initialised before
// parsing.
func bindFlags(app flagger, r flagext.Registerer) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	r.RegisterFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, fmt.Sprintf("%s (default %s)", f.Usage, f.DefValue)).SetValue(f.Value)
	})
}

func configFileArg(args []string) string {
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config.file="):
			return strings.TrimPrefix(arg, "--config.file=")
		case arg == "--config.file" && i+1 < len(args):
			return args[i+1]
		}
	}
	return ""
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	case errVerifyFailed:
		// the report is already printed
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}
