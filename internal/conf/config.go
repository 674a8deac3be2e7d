// Package conf defines the VoxMorph settings structure and loads it with
// viper from an embedded default config, an optional config file and
// environment variables.
package conf

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// Nominal audio format for the voice-conversion engine. The duplex transport
// negotiates the actual rate but everything downstream assumes mono float32.
const (
	DefaultSampleRate    = 48000
	DefaultPacketSamples = 960 // 20 ms at 48 kHz
	BytesPerSample       = 4   // 32-bit float
)

// AudioSettings describes the packet format delivered by the AudioIO collaborator.
type AudioSettings struct {
	SampleRate    int    // sample rate in Hz, 48 kHz nominal
	PacketSamples int    // samples per packet (5-20 ms worth)
	Source        string // capture device name, empty for system default
}

// ModelSettings configures model loading and delegate selection.
type ModelSettings struct {
	Path              string  // path to the default voice model, loaded at initialize
	CeilingMs         float64 // delegate benchmark latency ceiling in milliseconds
	BenchmarkRuns     int     // micro-inference repetitions per delegate
	BenchmarkCacheTTL int     // benchmark result cache TTL in minutes, 0 disables caching
	UseXNNPACK        bool    // attach the XNNPACK delegate for the accelerated backend
	Threads           int     // interpreter threads for the CPU delegate, 0 for auto
}

// DSPSettings configures the effects pipeline stages.
type DSPSettings struct {
	GateThreshold       float64 // echo canceller noise gate energy threshold
	SmoothingAlpha      float64 // noise suppressor one-pole coefficient
	LimiterCeiling      float64 // compressor/limiter hard clip bound
	ConcealFadePackets  int     // packets over which concealment decays to silence
	ConcealHistoryCount int     // packets of pre-loss history the concealer records
}

// WatchdogSettings configures the latency supervisor.
type WatchdogSettings struct {
	IntervalMs    int     // poll interval in milliseconds
	DeadlineMs    int     // packet latency deadline in milliseconds
	QuietWindowMs int     // violation-free window required before restore
	CPULimit      float64 // system CPU percent ceiling, 0 disables the check
}

// StabilitySettings configures OS resource requests and the watchdog.
type StabilitySettings struct {
	RealtimeScheduling bool // request SCHED_FIFO for the audio thread
	MemoryPinning      bool // mlock the shared audio buffer
	Watchdog           WatchdogSettings
}

// MetricsSettings configures the optional prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string // host:port for the /metrics endpoint
}

// SentrySettings configures optional error telemetry. Disabled by default.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// LogSettings configures optional file logging.
type LogSettings struct {
	Level string // trace, debug, info, warn, error
	File  string // log file path, empty for console only
}

// Settings is the root configuration for the engine.
type Settings struct {
	Debug     bool
	Audio     AudioSettings
	Model     ModelSettings
	DSP       DSPSettings
	Stability StabilitySettings
	Metrics   MetricsSettings
	Sentry    SentrySettings
	Log       LogSettings
}

// WatchdogInterval returns the watchdog poll interval as a duration.
func (s *Settings) WatchdogInterval() time.Duration {
	return time.Duration(s.Stability.Watchdog.IntervalMs) * time.Millisecond
}

// WatchdogDeadline returns the packet latency deadline as a duration.
func (s *Settings) WatchdogDeadline() time.Duration {
	return time.Duration(s.Stability.Watchdog.DeadlineMs) * time.Millisecond
}

// WatchdogQuietWindow returns the restore hysteresis window as a duration.
func (s *Settings) WatchdogQuietWindow() time.Duration {
	return time.Duration(s.Stability.Watchdog.QuietWindowMs) * time.Millisecond
}

var (
	settingsInstance *Settings
	settingsOnce     sync.Once
	settingsMu       sync.RWMutex
)

// Load reads configuration from the embedded defaults, an optional config
// file and VOXMORPH_* environment variables, then validates the result.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("conf: embedded defaults missing: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("conf: embedded defaults invalid: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("conf: failed to read %s: %w", configPath, err)
		}
	} else if path := defaultConfigPath(); path != "" {
		v.SetConfigFile(path)
		// A missing user config is fine, the embedded defaults apply.
		if err := v.MergeInConfig(); err != nil && !os.IsNotExist(err) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("conf: failed to read %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("VOXMORPH")
	v.AutomaticEnv()

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("conf: failed to unmarshal settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	settingsMu.Lock()
	settingsInstance = settings
	settingsMu.Unlock()

	return settings, nil
}

// Setting returns the process-wide settings, loading defaults on first use.
func Setting() *Settings {
	settingsOnce.Do(func() {
		settingsMu.RLock()
		loaded := settingsInstance != nil
		settingsMu.RUnlock()
		if !loaded {
			if _, err := Load(""); err != nil {
				panic(fmt.Sprintf("conf: failed to load default settings: %v", err))
			}
		}
	})
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsInstance
}

// Validate checks settings for values the engine cannot operate with.
func (s *Settings) Validate() error {
	if s.Audio.SampleRate <= 0 {
		return fmt.Errorf("conf: audio.samplerate must be positive, got %d", s.Audio.SampleRate)
	}
	if s.Audio.PacketSamples <= 0 {
		return fmt.Errorf("conf: audio.packetsamples must be positive, got %d", s.Audio.PacketSamples)
	}
	if s.Model.CeilingMs <= 0 {
		return fmt.Errorf("conf: model.ceilingms must be positive, got %f", s.Model.CeilingMs)
	}
	if s.DSP.LimiterCeiling <= 0 || s.DSP.LimiterCeiling > 1.0 {
		return fmt.Errorf("conf: dsp.limiterceiling must be in (0, 1], got %f", s.DSP.LimiterCeiling)
	}
	if s.DSP.SmoothingAlpha <= 0 || s.DSP.SmoothingAlpha > 1.0 {
		return fmt.Errorf("conf: dsp.smoothingalpha must be in (0, 1], got %f", s.DSP.SmoothingAlpha)
	}
	if s.Stability.Watchdog.IntervalMs <= 0 {
		return fmt.Errorf("conf: stability.watchdog.intervalms must be positive, got %d", s.Stability.Watchdog.IntervalMs)
	}
	if s.Stability.Watchdog.DeadlineMs <= 0 {
		return fmt.Errorf("conf: stability.watchdog.deadlinems must be positive, got %d", s.Stability.Watchdog.DeadlineMs)
	}
	if s.Stability.Watchdog.QuietWindowMs < s.Stability.Watchdog.IntervalMs {
		return fmt.Errorf("conf: stability.watchdog.quietwindowms must be at least the poll interval")
	}
	return nil
}

func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "voxmorph", "config.yaml")
}
