// Package run implements the realtime duplex command: capture, transform
// and playback over one full-duplex device until interrupted.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/voxmorph/voxmorph-go/internal/audioio"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/engine"
	"github.com/voxmorph/voxmorph-go/internal/inference"
	"github.com/voxmorph/voxmorph-go/internal/logging"
	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
	"github.com/voxmorph/voxmorph-go/internal/telemetry"
)

// Command creates the run command for realtime voice transformation.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the realtime voice transform over a duplex audio device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRealtime(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Audio.Source, "source", viper.GetString("audio.source"), "Audio capture source (\"sysdefault\", \"USB Audio\", \":0,0\", etc.)")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Enable Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Metrics.Listen, "listen", viper.GetString("metrics.listen"), "Listen address and port of metrics endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func runRealtime(settings *conf.Settings) error {
	log := logging.ForService("run")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	engineMetrics, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}

	manager := inference.NewManager(settings, inference.NewTFLiteBackends(settings), engineMetrics)
	eng := engine.New(settings, manager, engineMetrics)

	if !eng.Initialize(settings.Audio.PacketSamples * conf.BytesPerSample) {
		return fmt.Errorf("engine initialization failed")
	}
	defer eng.Teardown()
	defer telemetry.Flush()

	eng.SetTransformEnabled(manager.Loaded())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if settings.Metrics.Enabled {
		metricsSrv = startMetricsServer(settings.Metrics.Listen, registry, log)
	}

	duplex := audioio.NewDuplex(settings, eng)
	if err := duplex.Start(ctx); err != nil {
		return err
	}

	log.Info("voice transform running, press Ctrl+C to stop",
		"model", settings.Model.Path,
		"transform_enabled", manager.Loaded())

	<-ctx.Done()
	log.Info("shutdown requested")

	duplex.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

func startMetricsServer(listen string, registry *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics endpoint listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
