// Package runtime assembles the listening service: telemetry, the message
// bus, the utterance history, the audio pipeline, and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openear/listend/internal/audio"
	"github.com/openear/listend/internal/bus"
	"github.com/openear/listend/internal/capture"
	"github.com/openear/listend/internal/config"
	"github.com/openear/listend/internal/history"
	"github.com/openear/listend/internal/natsserver"
	"github.com/openear/listend/internal/pipeline"
	"github.com/openear/listend/internal/recognize"
	"github.com/openear/listend/internal/vad"
	"github.com/openear/listend/internal/wake"
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	ready   atomic.Bool
	machine *pipeline.Machine
	bus     *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer ns.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.bus = busClient

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()

	machine, err := r.buildPipeline(busClient, hist)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.machine = machine
	registerPipelineMetrics(machine, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/statez", r.handleState)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := machine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("listend started",
		slog.String("addr", addr),
		slog.Bool("wake_enabled", r.cfg.Wake.Enabled),
		slog.String("audio_device", r.cfg.Audio.Device))

	err = g.Wait()
	r.logger.Info("listend stopping")
	return err
}

// buildPipeline assembles the audio front end from config.
func (r *Runtime) buildPipeline(busClient *bus.Client, hist *history.Store) (*pipeline.Machine, error) {
	cfg := r.cfg

	deviceCfg := audio.DeviceConfig{
		SampleRate:  cfg.Audio.SampleRate,
		FrameSize:   cfg.Audio.FrameSize,
		QueueFrames: cfg.Audio.QueueFrames,
	}
	var open audio.OpenDeviceFunc
	switch cfg.Audio.Device {
	case "mock":
		open = audio.OpenMockDevice
	default:
		open = audio.OpenPortAudioDevice
	}
	arbiter := audio.NewArbiter(deviceCfg, open, r.logger)

	var engine *wake.Engine
	var wakeStatus string
	if cfg.Wake.Enabled {
		var err error
		engine, err = buildWakeEngine(cfg, r.logger)
		if err != nil {
			// Missing or corrupt model assets must not kill the daemon: keep
			// serving, report the engine as unavailable on /statez, and run
			// without wake gating. Genuine config errors still fail startup.
			var mle *wake.ModelLoadError
			if !errors.As(err, &mle) {
				return nil, err
			}
			r.logger.Error("wake model unavailable, continuing without wake detection",
				slog.String("path", mle.Path),
				slog.String("error", mle.Error()))
			engine = nil
			wakeStatus = "unavailable"
		}
	}

	frameMS := cfg.Audio.FrameSize * 1000 / cfg.Audio.SampleRate
	if frameMS <= 0 {
		frameMS = 1
	}
	detector, err := vad.New(vad.Config{
		Mode:             cfg.VAD.Mode,
		SpeechThreshold:  cfg.VAD.SpeechThreshold,
		SilenceThreshold: cfg.VAD.SilenceThreshold,
		SpeechFrames:     cfg.VAD.SpeechFrames,
		SilenceFrames:    cfg.VAD.SilenceFrames,
		ModelPath:        cfg.VAD.ModelPath,
		ModelThreshold:   float32(cfg.VAD.ModelThreshold),
		MinSpeechFrames:  cfg.VAD.MinSpeechMS / frameMS,
		MinSilenceFrames: cfg.VAD.MinSilenceMS / frameMS,
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("voice activity detector: %w", err)
	}

	capturer, err := capture.New(capture.Config{
		SampleRate:     cfg.Audio.SampleRate,
		FrameSize:      cfg.Audio.FrameSize,
		SilenceTimeout: time.Duration(cfg.Capture.SilenceTimeoutMS) * time.Millisecond,
		MinSpeech:      time.Duration(cfg.Capture.MinSpeechMS) * time.Millisecond,
		MaxDuration:    time.Duration(cfg.Capture.MaxDurationMS) * time.Millisecond,
	}, detector, r.logger)
	if err != nil {
		return nil, fmt.Errorf("utterance capture: %w", err)
	}

	fast, err := buildRecognizer(cfg.Recognize.Fast, recognize.PassFast)
	if err != nil {
		return nil, fmt.Errorf("fast recognizer: %w", err)
	}
	var accurate recognize.Recognizer
	if cfg.Recognize.AccurateEnabled {
		accurate, err = buildRecognizer(cfg.Recognize.Accurate, recognize.PassAccurate)
		if err != nil {
			return nil, fmt.Errorf("accurate recognizer: %w", err)
		}
	}

	health := recognize.NewHealth("accurate",
		cfg.Recognize.FailureThreshold,
		time.Duration(cfg.Recognize.CooldownMS)*time.Millisecond,
		r.logger)

	return pipeline.New(pipeline.Params{
		Config: pipeline.Config{
			SampleRate: cfg.Audio.SampleRate,
		},
		Arbiter: arbiter,
		Engine:  engine,
		Capture: capturer,
		Fusion: recognize.Config{
			SampleRate:      cfg.Audio.SampleRate,
			PartialEvery:    time.Duration(cfg.Recognize.PartialEveryMS) * time.Millisecond,
			MinAccurate:     time.Duration(cfg.Recognize.MinUtteranceMS) * time.Millisecond,
			AccurateTimeout: time.Duration(cfg.Recognize.TimeoutMS) * time.Millisecond,
			ConfidenceBump:  cfg.Recognize.ConfidenceBump,
		},
		Fast:       fast,
		Accurate:   accurate,
		Health:     health,
		Bus:        busClient,
		History:    hist,
		Log:        r.logger,
		WakeStatus: wakeStatus,
	})
}

func buildWakeEngine(cfg config.Config, logger *slog.Logger) (*wake.Engine, error) {
	spec, err := wake.NewMelSpectrogram(wake.MelConfig{
		SampleRate: cfg.Audio.SampleRate,
		Window:     cfg.Wake.MelWindow,
		Hop:        cfg.Wake.MelHop,
		Bins:       cfg.Wake.MelBins,
	})
	if err != nil {
		return nil, fmt.Errorf("mel spectrogram: %w", err)
	}

	var embedder wake.Embedder
	var classifier wake.Classifier
	if cfg.Wake.Mode == "model" {
		embedder, err = wake.NewModelEmbedder(cfg.Wake.EmbeddingModelPath)
		if err != nil {
			return nil, fmt.Errorf("wake embedder: %w", err)
		}
		classifier, err = wake.NewModelClassifier(cfg.Wake.ClassifierModelPath)
		if err != nil {
			return nil, fmt.Errorf("wake classifier: %w", err)
		}
	} else {
		embedder = wake.NewMeanEmbedder(0)
		classifier = wake.NewEnergyClassifier(0, 0)
	}

	engine, err := wake.NewEngine(wake.Config{
		FrameSize:        cfg.Audio.FrameSize,
		Threshold:        float32(cfg.Wake.Threshold),
		CooldownFrames:   cfg.Wake.CooldownFrames,
		MelMaxLen:        cfg.Wake.MelMaxLen,
		EmbedWindow:      cfg.Wake.EmbedWindow,
		EmbedStride:      cfg.Wake.EmbedStride,
		EmbedMaxLen:      cfg.Wake.EmbedMaxLen,
		ClassifierFrames: cfg.Wake.ClassifierFrames,
		RingCapacity:     cfg.Audio.SampleRate * cfg.Wake.RingSeconds,
	}, spec, embedder, classifier, logger)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func buildRecognizer(rc config.RecognizerConfig, pass recognize.Pass) (recognize.Recognizer, error) {
	switch rc.Mode {
	case "", "mock":
		return recognize.NewMockRecognizer(pass), nil
	case "exec":
		return recognize.NewExecRecognizer(recognize.ExecConfig{
			Command:   rc.Command,
			ModelPath: rc.ModelPath,
			Language:  rc.Language,
			Pass:      pass,
		})
	case "whisper":
		return recognize.NewWhisperRecognizer(recognize.WhisperConfig{
			ModelPath: rc.ModelPath,
			Language:  rc.Language,
			Threads:   rc.Threads,
			Pass:      pass,
		})
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", rc.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.machine == nil {
		http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.machine.Snapshot())
}
