// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gemmbench executes one GEMM thunk repeatedly on the host BLAS backend, and reports the autotuning
// results and the measured throughput.
//
// Example:
//
//	gemmbench -m=512 -n=512 -k=1024 -layouts=RRR -dtype=float32 -reps=50
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gemmthunk/backends/hostblas"
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/core/shapes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/gomlx/gemmthunk/pkg/gemm"
	"github.com/gomlx/gemmthunk/pkg/profiler"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", "Configuration of the hostblas backend, "+
		`e.g. "parallelism=4,default=packed,algorithms=gonum:packed".`)
	flagOptions = flag.String("options", "", fmt.Sprintf("GEMM options, see gemm.ParseOptions. "+
		"If empty, $%s is used.", gemm.OptionsEnvVar))
	flagDType     = flag.String("dtype", "float32", "Element type: float16, float32, float64, complex64 or complex128.")
	flagM         = flag.Int("m", 256, "Number of rows of the output.")
	flagN         = flag.Int("n", 256, "Number of columns of the output.")
	flagK         = flag.Int("k", 256, "Size of the contracting dimension.")
	flagBatch     = flag.Int("batch", 0, "Size of the batch dimension. 0 for no batch dimension.")
	flagLayouts   = flag.String("layouts", "RRR", "Storage order of lhs, rhs and output: R for row-major, C for column-major.")
	flagAlpha     = flag.Float64("alpha", 1, "Scale of the product.")
	flagBeta      = flag.Float64("beta", 0, "Scale of the previous output value.")
	flagAlgorithm = flag.String("algorithm", "", "Fixed algorithm to use (name or number). Empty to autotune.")
	flagReps      = flag.Int("reps", 20, "Number of executions to time.")
	flagNoColor   = flag.Bool("no_color", false, "Disable colors in the report.")
	flagMetrics   = flag.String("metrics_addr", "", "If set, serves Prometheus metrics on this address (e.g. \":2112\") "+
		"and keeps serving after the benchmark, until interrupted.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if err := run(); err != nil {
		klog.Errorf("gemmbench failed: %+v", err)
		os.Exit(1)
	}
}

// benchmark holds the thunk under test and everything needed to execute it.
type benchmark struct {
	backend   *hostblas.Backend
	autotuner *gemm.Autotuner
	thunk     *gemm.Thunk
	params    gemm.ExecuteParams
	recorder  *profiler.Recorder
}

func run() error {
	backend, err := hostblas.New(*flagBackend)
	if err != nil {
		return err
	}
	options := gemm.DefaultOptions()
	if *flagOptions != "" {
		options, err = gemm.ParseOptions(*flagOptions)
		if err != nil {
			return err
		}
	}
	cfg, err := newConfig(backend)
	if err != nil {
		return err
	}

	b := &benchmark{
		backend:   backend,
		autotuner: gemm.NewAutotuner(backend, options),
		recorder:  profiler.NewRecorder(),
	}
	profilers := []profiler.Profiler{b.recorder}
	if *flagMetrics != "" {
		reg := prometheus.NewRegistry()
		profilers = append(profilers, profiler.NewPrometheus(reg))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	buffers, lhs, rhs, output := allocate(cfg)
	b.thunk = gemm.NewThunk("gemmbench", cfg, lhs, rhs, output, backend, gemm.WithAutotuner(b.autotuner))
	stream := device.NewStream()
	defer stream.Close()
	b.params = gemm.ExecuteParams{
		Stream:   stream,
		Buffers:  buffers,
		Profiler: profiler.Multi(profilers...),
		Scratch:  device.NewHostAllocator(),
	}

	// The first execution autotunes, so it is not timed.
	if err := b.execute(); err != nil {
		return errors.WithMessage(err, "warm-up execution")
	}
	elapsed, err := b.timeExecutions(*flagReps)
	if err != nil {
		return err
	}
	report(b, cfg, elapsed)

	if *flagMetrics != "" {
		klog.Infof("Serving metrics on %s/metrics", *flagMetrics)
		return http.ListenAndServe(*flagMetrics, nil)
	}
	return nil
}

// newConfig creates the configuration from the flags.
func newConfig(backend *hostblas.Backend) (*gemm.Config, error) {
	dtype, err := dtypes.Parse(*flagDType)
	if err != nil {
		return nil, err
	}
	if len(*flagLayouts) != 3 || strings.Trim(strings.ToUpper(*flagLayouts), "RC") != "" {
		return nil, errors.Errorf("invalid -layouts=%q, it must be 3 letters, each R or C", *flagLayouts)
	}
	rowMajor := make([]bool, 3)
	for ii, r := range strings.ToUpper(*flagLayouts) {
		rowMajor[ii] = r == 'R'
	}
	algorithm := blas.NoAlgorithm
	if *flagAlgorithm != "" {
		algorithm, err = hostblas.ParseAlgorithm(*flagAlgorithm)
		if err != nil {
			return nil, err
		}
	}

	var batchDims, batchAxes []int
	if *flagBatch > 0 {
		batchDims, batchAxes = []int{*flagBatch}, []int{0}
	}
	numBatch := len(batchDims)
	makeShape := func(rowMajor bool, rows, cols int) shapes.Shape {
		dims := append(append([]int(nil), batchDims...), rows, cols)
		layout := []int{numBatch, numBatch + 1}
		if rowMajor {
			layout = []int{numBatch + 1, numBatch}
		}
		if numBatch > 0 {
			layout = append(layout, 0)
		}
		return shapes.Make(dtype, dims...).WithLayout(layout...)
	}
	dims := gemm.DotDimensionNumbers{
		LHSBatchDimensions:       batchAxes,
		RHSBatchDimensions:       batchAxes,
		LHSContractingDimensions: []int{numBatch + 1},
		RHSContractingDimensions: []int{numBatch},
	}
	klog.V(1).Infof("Benchmarking on %s", backend)
	return gemm.NewConfig(
		makeShape(rowMajor[0], *flagM, *flagK),
		makeShape(rowMajor[1], *flagK, *flagN),
		makeShape(rowMajor[2], *flagM, *flagN),
		dims, *flagAlpha, *flagBeta, 0, algorithm)
}

// allocate places the three operands in one allocation, and returns their slices.
func allocate(cfg *gemm.Config) (buffers *device.BufferAllocations, lhs, rhs, output device.Slice) {
	lhs = device.Slice{Index: 0, Offset: 0, Size: cfg.LHS.Size()}
	rhs = device.Slice{Index: 0, Offset: lhs.Size, Size: cfg.RHS.Size()}
	output = device.Slice{Index: 0, Offset: lhs.Size + rhs.Size, Size: cfg.Output.Size()}
	base := must.M1(device.NewBuffer(cfg.Output.DType, output.Offset+output.Size))
	buffers = device.NewBufferAllocations(base.Memory())
	return
}

func (b *benchmark) execute() error {
	if err := b.thunk.Execute(b.params); err != nil {
		return err
	}
	return b.params.Stream.BlockHostUntilDone()
}

// timeExecutions returns the wall time of each of the reps executions.
func (b *benchmark) timeExecutions(reps int) ([]time.Duration, error) {
	bar := progressbar.NewOptions(reps,
		progressbar.OptionSetDescription("Executing"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("gemms"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionClearOnFinish(),
	)
	// The cursor is hidden while the progress bar is displayed.
	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	defer output.ShowCursor()

	elapsed := make([]time.Duration, 0, reps)
	for range reps {
		start := time.Now()
		if err := b.execute(); err != nil {
			return nil, err
		}
		elapsed = append(elapsed, time.Since(start))
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return elapsed, nil
}
