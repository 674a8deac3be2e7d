// Package audioio hosts the AudioIO collaborator: a full-duplex miniaudio
// device that fills the engine's shared buffer with captured samples, runs
// one packet through the engine and plays the transformed result back.
package audioio

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/engine"
	"github.com/voxmorph/voxmorph-go/internal/logging"
)

var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logging.ForService("audioio")
	})
	return serviceLogger
}

// DeviceInfo describes one capture device for listing and selection.
type DeviceInfo struct {
	Index int
	Name  string
	ID    string
}

// ListCaptureDevices enumerates the capture devices the platform backend
// exposes.
func ListCaptureDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext([]malgo.Backend{platformBackend()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audioio: init context: %w", err)
	}
	defer ctx.Uninit() //nolint:errcheck

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audioio: list devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		decodedID, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			getLogger().Warn("skipping device with undecodable id", "index", i, "error", err)
			continue
		}
		devices = append(devices, DeviceInfo{Index: i, Name: infos[i].Name(), ID: decodedID})
	}
	return devices, nil
}

// platformBackend picks the native audio backend per OS, leaving miniaudio's
// auto-selection for everything else.
func platformBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// matchesDeviceSetting checks whether a device matches the configured source
// name or ID. On Windows "sysdefault" maps to the backend default device.
func matchesDeviceSetting(decodedID string, info *malgo.DeviceInfo, source string) bool {
	if runtime.GOOS == "windows" && source == "sysdefault" {
		return info.IsDefault == 1
	}
	return decodedID == source || strings.Contains(info.Name(), source)
}

func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Duplex runs the capture/transform/playback loop over one engine. The
// device callback copies each captured packet into the engine's shared
// buffer, the run loop pushes it through ProcessAudio, and the transformed
// samples feed the playback side of the same device.
type Duplex struct {
	settings *conf.Settings
	eng      *engine.Engine
	log      *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []float32 // captured packet awaiting processing
	out     []float32 // transformed packet awaiting playback
	outPos  int

	packets chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDuplex builds the duplex runner around an initialized engine.
func NewDuplex(settings *conf.Settings, eng *engine.Engine) *Duplex {
	return &Duplex{
		settings: settings,
		eng:      eng,
		log:      getLogger(),
		packets:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start opens the full-duplex device and launches the processing loop. The
// loop stops when ctx is cancelled or Stop is called.
func (d *Duplex) Start(ctx context.Context) error {
	mctx, err := malgo.InitContext([]malgo.Backend{platformBackend()}, malgo.ContextConfig{},
		func(message string) {
			if d.settings.Debug {
				d.log.Debug("miniaudio", "message", strings.TrimSpace(message))
			}
		})
	if err != nil {
		return fmt.Errorf("audioio: init context: %w", err)
	}
	d.ctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(d.settings.Audio.SampleRate)
	cfg.PeriodSizeInFrames = uint32(d.settings.Audio.PacketSamples)
	cfg.Alsa.NoMMap = 1

	if source := d.settings.Audio.Source; source != "" && source != "sysdefault" {
		if err := d.bindCaptureDevice(&cfg, source); err != nil {
			d.teardownContext()
			return err
		}
	}

	packetSamples := d.settings.Audio.PacketSamples
	d.pending = make([]float32, 0, packetSamples)
	d.out = make([]float32, 0, packetSamples)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onFrames,
		Stop: d.onDeviceStop,
	})
	if err != nil {
		d.teardownContext()
		return fmt.Errorf("audioio: init duplex device: %w", err)
	}
	d.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		d.device = nil
		d.teardownContext()
		return fmt.Errorf("audioio: start duplex device: %w", err)
	}

	d.log.Info("duplex device started",
		"sample_rate", d.settings.Audio.SampleRate,
		"packet_samples", packetSamples,
		"backend", platformBackend())

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// bindCaptureDevice resolves the configured source to a concrete capture
// device and pins the config to it.
func (d *Duplex) bindCaptureDevice(cfg *malgo.DeviceConfig, source string) error {
	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("audioio: list devices: %w", err)
	}
	for i := range infos {
		decodedID, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			continue
		}
		if matchesDeviceSetting(decodedID, &infos[i], source) {
			cfg.Capture.DeviceID = infos[i].ID.Pointer()
			d.log.Info("capture source selected", "name", infos[i].Name(), "id", decodedID)
			return nil
		}
	}
	return fmt.Errorf("audioio: no capture source matches %q", source)
}

// onFrames is the realtime device callback. It stages captured samples for
// the processing loop and drains the transformed output into the playback
// buffer, padding with silence when processing has not caught up.
func (d *Duplex) onFrames(pOutput, pInput []byte, frameCount uint32) {
	d.mu.Lock()
	if pInput != nil {
		in := bytesToFloat32(pInput, int(frameCount))
		d.pending = append(d.pending, in...)
		if len(d.pending) >= d.settings.Audio.PacketSamples {
			select {
			case d.packets <- struct{}{}:
			default:
			}
		}
	}
	if pOutput != nil {
		d.fillPlaybackLocked(pOutput, int(frameCount))
	}
	d.mu.Unlock()
}

// fillPlaybackLocked copies transformed samples into the device output,
// zero-filling any shortfall. Caller holds d.mu.
func (d *Duplex) fillPlaybackLocked(pOutput []byte, frames int) {
	for i := 0; i < frames; i++ {
		var sample float32
		if d.outPos < len(d.out) {
			sample = d.out[d.outPos]
			d.outPos++
		}
		binary.LittleEndian.PutUint32(pOutput[i*4:], math.Float32bits(sample))
	}
	if d.outPos >= len(d.out) {
		d.out = d.out[:0]
		d.outPos = 0
	}
}

func (d *Duplex) onDeviceStop() {
	select {
	case <-d.done:
	default:
		d.log.Warn("duplex device stopped unexpectedly")
	}
}

// run is the processing loop: one engine packet per captured packet.
func (d *Duplex) run(ctx context.Context) {
	defer d.wg.Done()

	packetSamples := d.settings.Audio.PacketSamples
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-d.packets:
		}

		for d.processOnePacket(packetSamples) {
		}
	}
}

// processOnePacket moves one packet from pending through the engine into the
// playback queue. Returns false when fewer than packetSamples are staged.
func (d *Duplex) processOnePacket(packetSamples int) bool {
	buf := d.eng.Buffer()
	if buf == nil || buf.Len() < packetSamples {
		return false
	}

	d.mu.Lock()
	if len(d.pending) < packetSamples {
		d.mu.Unlock()
		return false
	}
	copy(buf.Samples(), d.pending[:packetSamples])
	d.pending = d.pending[:copy(d.pending, d.pending[packetSamples:])]
	d.mu.Unlock()

	// Failed packets still hold playable pass-through audio.
	if !d.eng.ProcessAudio(packetSamples * conf.BytesPerSample) {
		d.log.Debug("packet fell back to pass-through")
	}

	d.mu.Lock()
	d.out = append(d.out, buf.Samples()[:packetSamples]...)
	d.mu.Unlock()
	return true
}

// Stop halts the device and the processing loop. Safe to call more than once.
func (d *Duplex) Stop() {
	select {
	case <-d.done:
		return
	default:
		close(d.done)
	}

	if d.device != nil {
		if err := d.device.Stop(); err != nil {
			d.log.Warn("device stop failed", "error", err)
		}
		// Give in-flight callbacks a moment to drain before uninit.
		time.Sleep(10 * time.Millisecond)
		d.device.Uninit()
		d.device = nil
	}
	d.teardownContext()
	d.wg.Wait()
	d.log.Info("duplex device stopped")
}

func (d *Duplex) teardownContext() {
	if d.ctx != nil {
		if err := d.ctx.Uninit(); err != nil {
			d.log.Warn("context uninit failed", "error", err)
		}
		d.ctx.Free()
		d.ctx = nil
	}
}

// bytesToFloat32 reinterprets the device's little-endian f32 frames. The
// returned slice aliases b; callers copy before the callback returns.
func bytesToFloat32(b []byte, frames int) []float32 {
	if len(b) < frames*4 {
		frames = len(b) / 4
	}
	if frames == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), frames)
}
