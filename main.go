package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/voxmorph/voxmorph-go/cmd"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/logging"
	"github.com/voxmorph/voxmorph-go/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var configPath string
	flags := flag.NewFlagSet("voxmorph", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file")
	flags.Usage = func() {} // cobra renders help; this set only peels --config
	_ = flags.Parse(peekConfigArgs(os.Args[1:]))

	settings, err := conf.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitWithLevel(logLevel(settings))
	if settings.Log.File != "" {
		fileLogger, closeLog, err := logging.NewFileLogger(settings.Log.File, "voxmorph", logLevel(settings))
		if err != nil {
			logging.Warn("file logging unavailable", "path", settings.Log.File, "error", err)
		} else {
			slog.SetDefault(fileLogger)
			defer closeLog() //nolint:errcheck
		}
	}

	if err := telemetry.Init(settings, version); err != nil {
		logging.Warn("telemetry init failed, continuing without error reporting", "error", err)
	}
	defer telemetry.Flush()

	rootCmd := cmd.RootCommand(settings)
	rootCmd.Version = version
	rootCmd.PersistentFlags().String("config", configPath, "path to config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// peekConfigArgs extracts only the --config flag pair so the early flag set
// never chokes on cobra's flags.
func peekConfigArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			out = append(out, args[i], args[i+1])
			i++
		case strings.HasPrefix(args[i], "--config="):
			out = append(out, args[i])
		}
	}
	return out
}

func logLevel(settings *conf.Settings) slog.Level {
	if settings.Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(settings.Log.Level) {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
