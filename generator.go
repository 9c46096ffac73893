package fastbernoulli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/theapemachine/errnie"
)

// DefaultCount is the batch size callers use when they have no preference.
const DefaultCount = 32

// Mode selects how a Generator evaluates its circuit.
type Mode uint8

const (
	// ModeAuto uses the compiled evaluator and falls back to the scalar one
	// if compilation fails.
	ModeAuto Mode = iota
	// ModeScalar only uses the scalar evaluator.
	ModeScalar
	// ModeCompiled only uses the compiled evaluator and reports
	// compilation failures.
	ModeCompiled
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeScalar:
		return "scalar"
	case ModeCompiled:
		return "compiled"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "scalar":
		return ModeScalar, nil
	case "compiled":
		return ModeCompiled, nil
	default:
		return ModeAuto, fmt.Errorf("%w: unknown mode %q", ErrDomain, s)
	}
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed fixes the seed of the bit source. Without it a random seed is
// drawn.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.seed = seed
		g.seeded = true
	}
}

// WithConfig replaces the configuration. Options after it still apply.
func WithConfig(config *Config) Option {
	return func(g *Generator) {
		if config != nil {
			cfg := *config
			g.config = &cfg
		}
	}
}

// WithMaxDepth bounds quantization, see Quantizer.
func WithMaxDepth(depth uint) Option {
	return func(g *Generator) {
		g.config.MaxDepth = depth
	}
}

// WithMode selects the evaluation path.
func WithMode(mode Mode) Option {
	return func(g *Generator) {
		g.config.Mode = mode
	}
}

// WithBackend selects the compiled evaluator's backend by name.
func WithBackend(name string) Option {
	return func(g *Generator) {
		g.config.Backend = name
	}
}

// WithCompiler uses compiler instead of the shared compiler for
// Config.Backend.
func WithCompiler(compiler *Compiler) Option {
	return func(g *Generator) {
		g.compiler = compiler
	}
}

// WithSourceFactory overrides Config.Source.
func WithSourceFactory(factory SourceFactory) Option {
	return func(g *Generator) {
		g.factory = factory
	}
}

// WithMetrics records samples and fallbacks in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Generator) {
		g.metrics = metrics
	}
}

/*
Generator produces Bernoulli(p) bits, within tolerance, out of the fair bits
of a BitSource. Its methods may be called from several goroutines; calls on
one Generator take turns on its bit source.
*/
type Generator struct {
	probability float64
	tolerance   float64
	fraction    Fraction
	circuit     *Circuit
	seed        uint64
	seeded      bool
	config      *Config
	compiler    *Compiler
	factory     SourceFactory
	metrics     *Metrics

	mu        sync.Mutex
	coin      coin
	evaluator *CompiledEvaluator
	fallback  bool
}

/*
NewGenerator quantizes the probability and builds its circuit. It fails with
ErrDomain on invalid arguments and ErrQuantization when the tolerance cannot
be met. The compiled evaluator is not built until it is first needed.
*/
func NewGenerator(probability, tolerance float64, opts ...Option) (*Generator, error) {
	g := &Generator{
		probability: probability,
		tolerance:   tolerance,
		config:      NewConfig(),
	}

	for _, opt := range opts {
		opt(g)
	}

	fraction, err := Quantizer{MaxDepth: g.config.MaxDepth}.Quantize(probability, tolerance)
	if err != nil {
		return nil, err
	}

	circuit, err := Build(fraction)
	if err != nil {
		return nil, err
	}

	if g.factory == nil {
		if g.factory, err = SourceByName(g.config.Source); err != nil {
			return nil, err
		}
	}

	if g.compiler == nil {
		if g.compiler, err = CompilerFor(g.config.Backend); err != nil {
			return nil, err
		}
	}

	if !g.seeded {
		g.seed = rand.Uint64()
	}

	g.fraction = fraction
	g.circuit = circuit
	g.coin = coin{src: g.factory(g.seed, 0)}

	errnie.Info(
		"NewGenerator - p %v, tol %v, fraction %s (%v), circuit %s, mode %s",
		probability, tolerance, fraction, fraction.Float64(), circuit, g.config.Mode,
	)

	return g, nil
}

// Numerator of the quantized probability.
func (g *Generator) Numerator() uint64 { return g.fraction.Numerator }

// Base is the bit depth of the quantized probability.
func (g *Generator) Base() uint { return g.fraction.Base }

// Fraction is the quantized probability.
func (g *Generator) Fraction() Fraction { return g.fraction }

// Approximation is the probability the generator actually samples.
func (g *Generator) Approximation() float64 { return g.fraction.Float64() }

// Probability is the requested probability.
func (g *Generator) Probability() float64 { return g.probability }

// Tolerance is the requested tolerance.
func (g *Generator) Tolerance() float64 { return g.tolerance }

// Seed of the bit source.
func (g *Generator) Seed() uint64 { return g.seed }

// Mode is the configured evaluation path.
func (g *Generator) Mode() Mode { return g.config.Mode }

// Circuit is the synthesized circuit.
func (g *Generator) Circuit() *Circuit { return g.circuit }

// Expression renders the circuit as a boolean expression.
func (g *Generator) Expression() string { return g.circuit.String() }

// FellBack reports whether ModeAuto has given up on the compiled path.
func (g *Generator) FellBack() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.fallback
}

/*
Generate returns count samples, each 0 or 1, using the configured mode. In
ModeAuto the first call compiles the circuit; if that fails the generator
logs it and uses the scalar evaluator from then on.
*/
func (g *Generator) Generate(ctx context.Context, count int) ([]uint8, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ev, err := g.evaluatorFor(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]uint8, count)
	g.sample(ev, out)
	return out, nil
}

// GenerateScalar returns count samples from the scalar evaluator.
func (g *Generator) GenerateScalar(count int) ([]uint8, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]uint8, count)
	g.sample(nil, out)
	return out, nil
}

// GenerateCompiled returns count samples from the compiled evaluator, or
// the compilation error.
func (g *Generator) GenerateCompiled(ctx context.Context, count int) ([]uint8, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ev, err := g.compile(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]uint8, count)
	g.sample(ev, out)
	return out, nil
}

/*
Fill packs Lanes samples into every word of dst, sample j of a word in bit
j. With a compiled evaluator each word is one kernel call.
*/
func (g *Generator) Fill(ctx context.Context, dst []uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ev, err := g.evaluatorFor(ctx)
	if err != nil {
		return err
	}

	if ev != nil {
		words := make([]uint64, g.circuit.inputs)
		for i := range dst {
			drawWords(g.coin.src, words)
			dst[i] = ev.kernel(words)
		}
		g.metrics.recordSamples(ModeCompiled, len(dst)*Lanes)
		return nil
	}

	bits := make([]uint8, g.circuit.inputs)
	for i := range dst {
		var word uint64
		for lane := 0; lane < Lanes; lane++ {
			g.coin.fill(bits)
			word |= uint64(g.circuit.evaluate(bits)) << lane
		}
		dst[i] = word
	}
	g.metrics.recordSamples(ModeScalar, len(dst)*Lanes)
	return nil
}

/*
GenerateParallel splits count samples into partitions of
Config.PartitionSize and samples them on a pool of workers (Config.Workers
when workers is zero). Partition i draws from stream i+1 of the seed, so
the partitions never share bits with each other or with Generate, and the
output for a given seed does not depend on the number of workers.
*/
func (g *Generator) GenerateParallel(ctx context.Context, count, workers int) ([]uint8, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	g.mu.Lock()
	ev, err := g.evaluatorFor(ctx)
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if workers <= 0 {
		workers = g.config.Workers
	}

	out := make([]uint8, count)
	size := g.config.partitionSize()
	partitions := (count + size - 1) / size

	if partitions == 0 {
		return out, nil
	}

	q := NewQ(ctx, min(workers, partitions), g.config, g.metrics)
	defer q.Close()

	results := make([]<-chan JobResult, 0, partitions)

	for p := 0; p < partitions; p++ {
		part := out[p*size : min((p+1)*size, count)]
		stream := uint64(p + 1)

		results = append(results, q.Schedule(
			fmt.Sprintf("%s-partition-%d", g.circuit.Name(), p),
			func(context.Context) (any, error) {
				src := g.factory(g.seed, stream)
				if ev != nil {
					sampleCompiled(ev, src, part)
				} else {
					sampleScalar(g.circuit, &coin{src: src}, part)
				}
				return len(part), nil
			},
		))
	}

	for _, ch := range results {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Error != nil {
				return nil, res.Error
			}
		}
	}

	path := ModeScalar
	if ev != nil {
		path = ModeCompiled
	}
	g.metrics.recordSamples(path, count)

	return out, nil
}

// evaluatorFor returns the compiled evaluator the mode calls for, or nil for
// the scalar path. Callers hold g.mu.
func (g *Generator) evaluatorFor(ctx context.Context) (*CompiledEvaluator, error) {
	switch g.config.Mode {
	case ModeScalar:
		return nil, nil
	case ModeCompiled:
		return g.compile(ctx)
	}

	if g.fallback {
		return nil, nil
	}

	ev, err := g.compile(ctx)
	if errors.Is(err, ErrCompilation) {
		g.fallback = true
		g.metrics.recordFallback()
		errnie.Info("Generator - %s falls back to the scalar evaluator: %v", g.circuit.Name(), err)
		return nil, nil
	}

	return ev, err
}

// compile fetches the evaluator once per generator. Callers hold g.mu.
func (g *Generator) compile(ctx context.Context) (*CompiledEvaluator, error) {
	if g.evaluator != nil {
		return g.evaluator, nil
	}

	ev, err := g.compiler.Compile(ctx, g.circuit)
	if err != nil {
		return nil, err
	}

	g.evaluator = ev
	return ev, nil
}

// sample fills out on the generator's own stream. Callers hold g.mu.
func (g *Generator) sample(ev *CompiledEvaluator, out []uint8) {
	if ev != nil {
		sampleCompiled(ev, g.coin.src, out)
		g.metrics.recordSamples(ModeCompiled, len(out))
		return
	}

	sampleScalar(g.circuit, &g.coin, out)
	g.metrics.recordSamples(ModeScalar, len(out))
}

func sampleScalar(c *Circuit, cn *coin, out []uint8) {
	bits := make([]uint8, c.inputs)
	for i := range out {
		cn.fill(bits)
		out[i] = c.evaluate(bits)
	}
}

func sampleCompiled(ev *CompiledEvaluator, src BitSource, out []uint8) {
	words := make([]uint64, ev.circuit.inputs)
	for off := 0; off < len(out); off += Lanes {
		drawWords(src, words)
		result := ev.kernel(words)

		for lane, n := 0, min(Lanes, len(out)-off); lane < n; lane++ {
			out[off+lane] = uint8(result >> lane & 1)
		}
	}
}

func drawWords(src BitSource, words []uint64) {
	for i := range words {
		words[i] = src.Uint64()
	}
}

func checkCount(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative sample count %d", ErrDomain, count)
	}
	return nil
}
