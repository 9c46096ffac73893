package fastbernoulli

import (
	"context"
	"errors"
	"math"
	"math/bits"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func mean(samples []uint8) float64 {
	sum := 0
	for _, s := range samples {
		sum += int(s)
	}
	return float64(sum) / float64(len(samples))
}

func onlyBits(samples []uint8) bool {
	for _, s := range samples {
		if s > 1 {
			return false
		}
	}
	return true
}

func TestNewGenerator(t *testing.T) {
	Convey("Given a new generator", t, func() {
		Convey("It exposes the quantization", func() {
			g, err := NewGenerator(0.75, 1e-6, WithSeed(1))
			So(err, ShouldBeNil)
			So(g.Numerator(), ShouldEqual, uint64(3))
			So(g.Base(), ShouldEqual, uint(2))
			So(g.Fraction(), ShouldResemble, Fraction{Numerator: 3, Base: 2})
			So(g.Approximation(), ShouldEqual, 0.75)
			So(g.Probability(), ShouldEqual, 0.75)
			So(g.Tolerance(), ShouldEqual, 1e-6)
			So(g.Seed(), ShouldEqual, uint64(1))
			So(g.Mode(), ShouldEqual, ModeAuto)
			So(g.Expression(), ShouldEqual, "not (b1 and b0)")
			So(g.Circuit().Inputs(), ShouldEqual, 2)
		})

		Convey("The approximation is within tolerance", func() {
			g, err := NewGenerator(0.3, 1e-9)
			So(err, ShouldBeNil)
			So(math.Abs(g.Approximation()-0.3), ShouldBeLessThanOrEqualTo, 1e-9)
		})

		Convey("Invalid arguments are rejected", func() {
			_, err := NewGenerator(1.5, 1e-3)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)

			_, err = NewGenerator(0.5, 0)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)

			_, err = NewGenerator(0.3, 1e-9, WithMaxDepth(8))
			So(errors.Is(err, ErrQuantization), ShouldBeTrue)

			cfg := NewConfig()
			cfg.Source = "lavarand"
			_, err = NewGenerator(0.5, 1e-3, WithConfig(cfg))
			So(errors.Is(err, ErrDomain), ShouldBeTrue)
		})

		Convey("Options after WithConfig still apply", func() {
			cfg := NewConfig()
			g, err := NewGenerator(0.5, 1e-3, WithConfig(cfg), WithMode(ModeScalar))
			So(err, ShouldBeNil)
			So(g.Mode(), ShouldEqual, ModeScalar)
			So(cfg.Mode, ShouldEqual, ModeAuto)
		})
	})
}

func TestGenerate(t *testing.T) {
	Convey("Given generators in every mode", t, func() {
		ctx := context.Background()
		modes := []Mode{ModeAuto, ModeScalar, ModeCompiled}

		Convey("Zero always yields zero and one always yields one", func() {
			for _, mode := range modes {
				for _, p := range []float64{0, 1} {
					g, err := NewGenerator(p, 1e-6, WithMode(mode), WithSeed(9))
					So(err, ShouldBeNil)

					out, err := g.Generate(ctx, 1000)
					So(err, ShouldBeNil)
					So(mean(out), ShouldEqual, p)

					par, err := g.GenerateParallel(ctx, 1000, 4)
					So(err, ShouldBeNil)
					So(mean(par), ShouldEqual, p)
				}
			}
		})

		Convey("The sample mean is close to p", func() {
			// Five standard errors of 10000 draws at p = 0.3.
			bound := 5 * math.Sqrt(0.3*0.7/10000)

			for _, mode := range modes {
				for _, source := range []string{"pcg", "chacha"} {
					cfg := NewConfig()
					cfg.Mode = mode
					cfg.Source = source

					g, err := NewGenerator(0.3, 1e-6, WithConfig(cfg), WithSeed(20240601))
					So(err, ShouldBeNil)

					out, err := g.Generate(ctx, 10000)
					So(err, ShouldBeNil)
					So(onlyBits(out), ShouldBeTrue)
					So(math.Abs(mean(out)-0.3), ShouldBeLessThan, bound)
				}
			}
		})

		Convey("The scalar and compiled paths agree in distribution", func() {
			g, err := NewGenerator(0.8125, 1e-6, WithSeed(5))
			So(err, ShouldBeNil)

			scalar, err := g.GenerateScalar(20000)
			So(err, ShouldBeNil)
			compiled, err := g.GenerateCompiled(ctx, 20000)
			So(err, ShouldBeNil)

			bound := 5 * math.Sqrt(2*0.8125*0.1875/20000)
			So(math.Abs(mean(scalar)-mean(compiled)), ShouldBeLessThan, bound)
		})

		Convey("A fixed seed reproduces the output", func() {
			a, _ := NewGenerator(0.3, 1e-6, WithSeed(77))
			b, _ := NewGenerator(0.3, 1e-6, WithSeed(77))

			outA, err := a.Generate(ctx, 500)
			So(err, ShouldBeNil)
			outB, err := b.Generate(ctx, 500)
			So(err, ShouldBeNil)
			So(outA, ShouldResemble, outB)
		})

		Convey("Counts are checked", func() {
			g, _ := NewGenerator(0.5, 1e-3)

			_, err := g.Generate(ctx, -1)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)
			_, err = g.GenerateScalar(-1)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)
			_, err = g.GenerateCompiled(ctx, -1)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)
			_, err = g.GenerateParallel(ctx, -1, 2)
			So(errors.Is(err, ErrDomain), ShouldBeTrue)

			out, err := g.Generate(ctx, 0)
			So(err, ShouldBeNil)
			So(out, ShouldBeEmpty)

			out, err = g.Generate(ctx, DefaultCount)
			So(err, ShouldBeNil)
			So(len(out), ShouldEqual, DefaultCount)
		})
	})
}

func TestGenerateParallel(t *testing.T) {
	Convey("Given a seeded generator with small partitions", t, func() {
		ctx := context.Background()

		for _, mode := range []Mode{ModeScalar, ModeCompiled} {
			cfg := NewConfig()
			cfg.PartitionSize = 200
			cfg.Mode = mode

			g, err := NewGenerator(0.3, 1e-6, WithConfig(cfg), WithSeed(11))
			So(err, ShouldBeNil)

			Convey("The "+mode.String()+" output does not depend on the worker count", func() {
				first, err := g.GenerateParallel(ctx, 5000, 1)
				So(err, ShouldBeNil)
				So(len(first), ShouldEqual, 5000)

				for _, workers := range []int{2, 3, 8, 0} {
					out, err := g.GenerateParallel(ctx, 5000, workers)
					So(err, ShouldBeNil)
					So(out, ShouldResemble, first)
				}

				So(math.Abs(mean(first)-0.3), ShouldBeLessThan, 5*math.Sqrt(0.21/5000))
			})
		}

		Convey("A cancelled context stops it", func() {
			g, _ := NewGenerator(0.3, 1e-6, WithMode(ModeScalar))
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := g.GenerateParallel(cctx, 1<<16, 2)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestGeneratorConcurrency(t *testing.T) {
	Convey("Given one generator shared by goroutines", t, func() {
		ctx := context.Background()

		for _, mode := range []Mode{ModeScalar, ModeCompiled} {
			Convey("Concurrent "+mode.String()+" calls take turns on the bit source", func() {
				g, err := NewGenerator(0.3, 1e-6, WithMode(mode), WithSeed(8))
				So(err, ShouldBeNil)

				var (
					wg      sync.WaitGroup
					samples = make([][]uint8, 8)
					words   = make([][]uint64, 8)
					errs    = make([]error, 16)
				)

				for i := range samples {
					wg.Add(2)
					go func(i int) {
						defer wg.Done()
						samples[i], errs[i] = g.Generate(ctx, 1000)
					}(i)
					go func(i int) {
						defer wg.Done()
						words[i] = make([]uint64, 16)
						errs[8+i] = g.Fill(ctx, words[i])
					}(i)
				}
				wg.Wait()

				ones := 0
				for i := range samples {
					So(errs[i], ShouldBeNil)
					So(errs[8+i], ShouldBeNil)
					So(len(samples[i]), ShouldEqual, 1000)
					for _, b := range samples[i] {
						ones += int(b)
					}
					for _, w := range words[i] {
						ones += bits.OnesCount64(w)
					}
				}

				// 8000 + 8192 draws at p = 0.3.
				total := 8000.0 + 8*16*64
				So(math.Abs(float64(ones)/total-0.3), ShouldBeLessThan, 5*math.Sqrt(0.21/total))
			})
		}
	})
}

func TestFill(t *testing.T) {
	Convey("Given a generator filling words", t, func() {
		ctx := context.Background()

		for _, mode := range []Mode{ModeScalar, ModeCompiled} {
			Convey("Constants fill whole words in "+mode.String()+" mode", func() {
				one, _ := NewGenerator(1, 1e-6, WithMode(mode))
				zero, _ := NewGenerator(0, 1e-6, WithMode(mode))

				words := make([]uint64, 4)
				So(one.Fill(ctx, words), ShouldBeNil)
				So(words, ShouldResemble, []uint64{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)})

				So(zero.Fill(ctx, words), ShouldBeNil)
				So(words, ShouldResemble, []uint64{0, 0, 0, 0})
			})

			Convey("A quarter sets about a quarter of the bits in "+mode.String()+" mode", func() {
				g, _ := NewGenerator(0.25, 1e-6, WithMode(mode), WithSeed(3))

				words := make([]uint64, 500)
				So(g.Fill(ctx, words), ShouldBeNil)

				ones := 0
				for _, w := range words {
					ones += bits.OnesCount64(w)
				}
				// 32000 draws: mean 8000, sd ~77.
				So(ones, ShouldBeBetween, 7600, 8400)
			})
		}
	})
}

func TestBackendSelection(t *testing.T) {
	Convey("Given a generator on the general backend", t, func() {
		ctx := context.Background()

		g, err := NewGenerator(0.3, 1e-6, WithMode(ModeCompiled), WithBackend("general"), WithSeed(12))
		So(err, ShouldBeNil)

		Convey("It samples through the general backend", func() {
			out, err := g.Generate(ctx, 10000)
			So(err, ShouldBeNil)
			So(math.Abs(mean(out)-0.3), ShouldBeLessThan, 5*math.Sqrt(0.21/10000))

			ev, ok := g.compiler.Cached(g.Circuit())
			So(ok, ShouldBeTrue)
			So(ev.Backend(), ShouldEqual, "general")
		})

		Convey("Unknown backends are domain errors", func() {
			_, err := NewGenerator(0.3, 1e-6, WithBackend("jit"))
			So(errors.Is(err, ErrDomain), ShouldBeTrue)
		})
	})
}

func TestFallback(t *testing.T) {
	Convey("Given a compiler that always fails", t, func() {
		ctx := context.Background()
		metrics := NewMetrics(nil)
		compiler := NewCompiler(&failingBackend{}, metrics)

		Convey("Auto mode falls back to the scalar evaluator", func() {
			g, err := NewGenerator(0.3, 1e-6, WithCompiler(compiler), WithMetrics(metrics), WithSeed(2))
			So(err, ShouldBeNil)
			So(g.FellBack(), ShouldBeFalse)

			out, err := g.Generate(ctx, 10000)
			So(err, ShouldBeNil)
			So(g.FellBack(), ShouldBeTrue)
			So(math.Abs(mean(out)-0.3), ShouldBeLessThan, 5*math.Sqrt(0.21/10000))

			_, err = g.Generate(ctx, 10)
			So(err, ShouldBeNil)
			So(metrics.Fallbacks, ShouldEqual, int64(1))
			So(metrics.CompileFailures, ShouldEqual, int64(1))
			So(metrics.ScalarSamples, ShouldEqual, int64(10010))
		})

		Convey("Compiled mode reports the failure", func() {
			g, err := NewGenerator(0.3, 1e-6, WithCompiler(compiler), WithMode(ModeCompiled))
			So(err, ShouldBeNil)

			_, err = g.Generate(ctx, 10)
			So(errors.Is(err, ErrCompilation), ShouldBeTrue)

			_, err = g.GenerateCompiled(ctx, 10)
			So(errors.Is(err, ErrCompilation), ShouldBeTrue)
			So(g.FellBack(), ShouldBeFalse)
		})

		Convey("The scalar path never needs the compiler", func() {
			g, err := NewGenerator(0.3, 1e-6, WithCompiler(compiler), WithMode(ModeScalar))
			So(err, ShouldBeNil)

			out, err := g.Generate(ctx, 100)
			So(err, ShouldBeNil)
			So(len(out), ShouldEqual, 100)
			So(metrics.CompileFailures, ShouldEqual, int64(0))
		})
	})
}

func TestMode(t *testing.T) {
	Convey("Given mode names", t, func() {
		for _, mode := range []Mode{ModeAuto, ModeScalar, ModeCompiled} {
			parsed, err := ParseMode(mode.String())
			So(err, ShouldBeNil)
			So(parsed, ShouldEqual, mode)
		}

		parsed, err := ParseMode("COMPILED")
		So(err, ShouldBeNil)
		So(parsed, ShouldEqual, ModeCompiled)

		_, err = ParseMode("jit")
		So(errors.Is(err, ErrDomain), ShouldBeTrue)

		So(Mode(7).String(), ShouldEqual, "Mode(7)")
	})
}

func TestMetrics(t *testing.T) {
	Convey("Given metrics on a registry", t, func() {
		ctx := context.Background()
		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)

		cfg := NewConfig()
		cfg.PartitionSize = 64

		g, err := NewGenerator(
			0.3, 1e-6,
			WithConfig(cfg),
			WithMetrics(metrics),
			WithCompiler(NewCompiler(nil, metrics)),
		)
		So(err, ShouldBeNil)

		Convey("Samples are counted per path", func() {
			_, err := g.GenerateScalar(100)
			So(err, ShouldBeNil)
			_, err = g.GenerateCompiled(ctx, 130)
			So(err, ShouldBeNil)

			So(testutil.ToFloat64(metrics.samples.WithLabelValues("scalar")), ShouldEqual, 100.0)
			So(testutil.ToFloat64(metrics.samples.WithLabelValues("compiled")), ShouldEqual, 130.0)
			So(testutil.ToFloat64(metrics.compilations.WithLabelValues("success")), ShouldEqual, 1.0)
			So(metrics.ExportMetrics()["compiled_samples"], ShouldEqual, int64(130))
		})

		Convey("Parallel jobs are counted", func() {
			_, err := g.GenerateParallel(ctx, 640, 3)
			So(err, ShouldBeNil)

			So(testutil.ToFloat64(metrics.jobs.WithLabelValues("success")), ShouldEqual, 10.0)
			So(metrics.JobCount, ShouldEqual, int64(10))
			So(metrics.WorkerCount, ShouldEqual, 0)
		})

		Convey("The collectors are registered", func() {
			_, err := g.GenerateScalar(1)
			So(err, ShouldBeNil)

			count, err := testutil.GatherAndCount(reg, "fastbernoulli_samples_total")
			So(err, ShouldBeNil)
			So(count, ShouldEqual, 1)
		})

		Convey("A nil Metrics records nothing", func() {
			var none *Metrics
			So(func() {
				none.recordSamples(ModeScalar, 1)
				none.recordCompile(false)
				none.recordFallback()
				none.recordJobExecution(time.Now(), true)
			}, ShouldNotPanic)
			So(none.ExportMetrics(), ShouldBeEmpty)
		})
	})
}
