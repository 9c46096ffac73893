package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/fastbernoulli"
)

const envPrefix = "FASTBERNOULLI"

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "fastbernoulli",
		Short: "Sample Bernoulli(p) bits from AND/NOT circuits over fair coin flips",
		Long: `fastbernoulli quantizes p to the shallowest binary fraction within the
tolerance, synthesizes the AND/NOT circuit for it and samples the circuit
with both the scalar and the word-parallel evaluator.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSampler,
	}
)

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&configFile, "config", "", "Optional config file (yaml, toml or json)")
	flags.Float64P("probability", "p", 0.3, "Target probability in [0, 1]")
	flags.Float64P("tolerance", "t", 1e-6, "Maximum distance between p and its binary approximation")
	flags.IntP("count", "n", fastbernoulli.DefaultCount, "Samples per batch")
	flags.Int("batches", 10, "Batches per evaluator")
	flags.Uint64("seed", 0, "Seed for the bit source (random when unset)")
	flags.Int("workers", 0, "Workers for the parallel batch (0 uses GOMAXPROCS)")
	flags.Int("parallel", 0, "Samples in an extra parallel batch (0 skips it)")
	flags.Int("partition-size", 1<<14, "Samples per parallel job")
	flags.Uint("max-depth", fastbernoulli.DefaultMaxDepth, "Maximum bisection depth")
	flags.String("source", "pcg", "Bit source: pcg or chacha")
	flags.String("mode", "auto", "Evaluation path: auto, scalar or compiled")
	flags.String("backend", "sliced", "Compiled evaluator backend: sliced or general")
	flags.Bool("metrics", false, "Print the metrics registry when done")
	flags.Bool("dump", false, "Dump the fraction and gate sequence")
	flags.BoolP("verbose", "v", false, "Log at debug level")
}

// loadSettings layers flags over FASTBERNOULLI_* variables over the config
// file.
func loadSettings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	return v, nil
}

func newLogger(w io.Writer, verbose bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "fastbernoulli",
	})

	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	return logger
}

func samplerConfig(v *viper.Viper) (*fastbernoulli.Config, error) {
	mode, err := fastbernoulli.ParseMode(v.GetString("mode"))
	if err != nil {
		return nil, err
	}

	cfg := fastbernoulli.NewConfig()
	cfg.Mode = mode
	cfg.Source = v.GetString("source")
	cfg.MaxDepth = v.GetUint("max-depth")
	cfg.PartitionSize = v.GetInt("partition-size")
	cfg.Backend = v.GetString("backend")

	if workers := v.GetInt("workers"); workers > 0 {
		cfg.Workers = workers
	}

	return cfg, nil
}

func runSampler(cmd *cobra.Command, _ []string) error {
	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	return sample(cmd, v, newLogger(cmd.ErrOrStderr(), v.GetBool("verbose")))
}

func sample(cmd *cobra.Command, v *viper.Viper, logger *log.Logger) error {
	ctx := cmd.Context()

	cfg, err := samplerConfig(v)
	if err != nil {
		return err
	}

	count, batches := v.GetInt("count"), v.GetInt("batches")
	if count < 0 || batches < 0 {
		return fmt.Errorf("%w: count %d and batches %d must not be negative", fastbernoulli.ErrDomain, count, batches)
	}

	backend, err := fastbernoulli.BackendByName(cfg.Backend)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := fastbernoulli.NewMetrics(reg)

	opts := []fastbernoulli.Option{
		fastbernoulli.WithConfig(cfg),
		fastbernoulli.WithMetrics(metrics),
		fastbernoulli.WithCompiler(fastbernoulli.NewCompiler(backend, metrics)),
	}
	if v.IsSet("seed") {
		opts = append(opts, fastbernoulli.WithSeed(v.GetUint64("seed")))
	}

	p, tol := v.GetFloat64("probability"), v.GetFloat64("tolerance")

	gen, err := fastbernoulli.NewGenerator(p, tol, opts...)
	if err != nil {
		return err
	}

	logger.Info(
		"quantized",
		"numerator", gen.Numerator(),
		"base", gen.Base(),
		"approximation", gen.Approximation(),
		"error", math.Abs(gen.Approximation()-p),
	)
	logger.Info(
		"circuit",
		"expression", gen.Expression(),
		"gates", len(gen.Circuit().Gates()),
		"inputs", gen.Circuit().Inputs(),
	)
	logger.Debug(
		"bit source",
		"source", cfg.Source, "seed", gen.Seed(), "mode", gen.Mode(), "backend", backend.Name(),
	)

	if v.GetBool("dump") {
		spew.Fdump(cmd.ErrOrStderr(), newCircuitDump(gen.Circuit()))
	}

	for batch := 0; batch < batches; batch++ {
		out, err := gen.GenerateScalar(count)
		if err != nil {
			return err
		}
		logBatch(logger, "scalar", batch, out)
	}

	for batch := 0; batch < batches; batch++ {
		out, err := gen.Generate(ctx, count)
		if err != nil {
			return err
		}
		logBatch(logger, gen.Mode().String(), batch, out)
	}

	if gen.FellBack() {
		logger.Warn("compiled evaluator unavailable, sampled with the scalar evaluator")
	}

	if n := v.GetInt("parallel"); n > 0 {
		start := time.Now()

		out, err := gen.GenerateParallel(ctx, n, cfg.Workers)
		if err != nil {
			return err
		}

		sum := sumOf(out)
		logger.Info(
			"parallel",
			"samples", n,
			"workers", cfg.Workers,
			"sum", sum,
			"mean", float64(sum)/float64(n),
			"elapsed", time.Since(start),
		)
	}

	if v.GetBool("metrics") {
		return writeMetrics(cmd, reg)
	}

	return nil
}

// circuitDump is what --dump prints. Gates are spelled out by name; as
// bytes spew would print them as a hex dump.
type circuitDump struct {
	Fraction   fastbernoulli.Fraction
	Expression string
	Inputs     int
	Gates      []string
}

func newCircuitDump(c *fastbernoulli.Circuit) circuitDump {
	gates := c.Gates()
	names := make([]string, len(gates))
	for i, g := range gates {
		names[i] = g.String()
	}

	return circuitDump{
		Fraction:   c.Fraction(),
		Expression: c.String(),
		Inputs:     c.Inputs(),
		Gates:      names,
	}
}

func logBatch(logger *log.Logger, path string, batch int, out []uint8) {
	sum := sumOf(out)

	mean := math.NaN()
	if len(out) > 0 {
		mean = float64(sum) / float64(len(out))
	}

	logger.Info(path, "batch", batch, "sum", sum, "mean", mean)
	logger.Debug(path, "batch", batch, "samples", out)
}

func sumOf(out []uint8) int {
	sum := 0
	for _, s := range out {
		sum += int(s)
	}
	return sum
}

func writeMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	return nil
}
