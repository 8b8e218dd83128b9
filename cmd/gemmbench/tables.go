// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gemmthunk/backends/hostblas"
	"github.com/gomlx/gemmthunk/pkg/gemm"
	"github.com/samber/lo"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// flopsPerGemm counts multiply-adds as 2 floating point operations, 8 for complex numbers.
func flopsPerGemm(cfg *gemm.Config) float64 {
	m, n := cfg.Output.Dimensions[cfg.RowDim()], cfg.Output.Dimensions[cfg.ColDim()]
	k := cfg.LHS.Dimensions[cfg.Dims.LHSContractingDimensions[0]]
	flops := 2 * float64(m) * float64(n) * float64(k) * float64(cfg.BatchSize)
	if cfg.Output.DType.IsComplex() {
		flops *= 4
	}
	return flops
}

func report(b *benchmark, cfg *gemm.Config, elapsed []time.Duration) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("configuration", cfg.String())
	table.Row("backend", b.backend.String())
	table.Row("state", b.thunk.State().String())
	table.Row("memory", humanize.Bytes(uint64(cfg.LHS.Memory()+cfg.RHS.Memory()+cfg.Output.Memory())))
	table.Row("# executions", humanize.Comma(int64(len(elapsed))))
	if len(elapsed) > 0 {
		mean := lo.Sum(elapsed) / time.Duration(len(elapsed))
		table.Row("mean", mean.String())
		table.Row("min / max", fmt.Sprintf("%s / %s", lo.Min(elapsed), lo.Max(elapsed)))
		if mean > 0 {
			table.Row("throughput", humanize.SIWithDigits(flopsPerGemm(cfg)/mean.Seconds(), 2, "FLOP/s"))
		}
	}
	executions, total := b.recorder.Total()
	table.Row("host time enqueuing", fmt.Sprintf("%s in %s executions", total, humanize.Comma(int64(executions))))
	fmt.Println(table.Render())

	results := b.autotuner.Results()
	if len(results) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Autotuning"))
	table = newPlainTable(true)
	table.Headers("Problem", "Algorithm", "Elapsed", "Selected")
	for _, r := range results {
		if len(r.Trials) == 0 {
			table.Row(r.Problem, "-", "-", "no algorithm succeeded")
			continue
		}
		for _, trial := range r.Trials {
			selected := ""
			if r.Found && trial.Algorithm == r.Best {
				selected = "✓"
			}
			table.Row(r.Problem, hostblas.AlgorithmName(trial.Algorithm), trial.Elapsed.String(), selected)
		}
	}
	fmt.Println(table.Render())
}
