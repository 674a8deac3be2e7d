// Package benchmark implements the offline delegate benchmark command.
package benchmark

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/inference"
	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
)

// Command creates the benchmark command: measure per-delegate inference
// latency for a model file and report which delegate the engine would pick.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "benchmark [model file]",
		Short: "Benchmark inference delegates for a model file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settings.Model.Path
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no model file given and none configured")
			}
			return runBenchmark(settings, path)
		},
	}
}

func runBenchmark(settings *conf.Settings, path string) error {
	engineMetrics, err := metrics.NewEngineMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	manager := inference.NewManager(settings, inference.NewTFLiteBackends(settings), engineMetrics)
	results, err := manager.BenchmarkModel(path, settings.Audio.PacketSamples, settings.Audio.SampleRate)
	if err != nil {
		return err
	}

	ceiling := time.Duration(settings.Model.CeilingMs * float64(time.Millisecond))
	best := pickDelegate(results, ceiling)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "DELEGATE\tLATENCY\tWITHIN CEILING\tSELECTED\n")
	for _, r := range results {
		selected := ""
		if r.Delegate == best {
			selected = "*"
		}
		fmt.Fprintf(w, "%s\t%.2fms\t%v\t%s\n",
			r.Delegate.String(),
			float64(r.Latency)/float64(time.Millisecond),
			r.Latency <= ceiling,
			selected)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nceiling: %.0fms, runs per delegate: %d\n", settings.Model.CeilingMs, settings.Model.BenchmarkRuns)
	return nil
}

// pickDelegate mirrors the engine's selection rule: lowest latency at or
// under the ceiling, CPU as the unconditional fallback.
func pickDelegate(results []inference.DelegateBenchmarkResult, ceiling time.Duration) inference.Delegate {
	best := inference.DelegateCPU
	var bestLat time.Duration
	found := false
	for _, r := range results {
		if r.Latency <= ceiling && (!found || r.Latency < bestLat) {
			best = r.Delegate
			bestLat = r.Latency
			found = true
		}
	}
	return best
}
