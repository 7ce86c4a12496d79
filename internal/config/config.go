package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Wake        WakeConfig      `yaml:"wake"`
	VAD         VADConfig       `yaml:"vad"`
	Capture     CaptureConfig   `yaml:"capture"`
	Recognize   RecognizeConfig `yaml:"recognize"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	Device      string `yaml:"device"` // "portaudio" or "mock"
	SampleRate  int    `yaml:"sample_rate"`
	FrameSize   int    `yaml:"frame_size"`
	QueueFrames int    `yaml:"queue_frames"`
}

type WakeConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"` // "builtin" or "model"
	Threshold      float64 `yaml:"threshold"`
	CooldownFrames int     `yaml:"cooldown_frames"`

	MelWindow int `yaml:"mel_window"`
	MelHop    int `yaml:"mel_hop"`
	MelBins   int `yaml:"mel_bins"`
	MelMaxLen int `yaml:"mel_max_len"`

	EmbedWindow int `yaml:"embedding_window"`
	EmbedStride int `yaml:"embedding_stride"`
	EmbedMaxLen int `yaml:"embedding_max_len"`

	ClassifierFrames int `yaml:"classifier_frames"`

	// RingSeconds is the raw-sample history retained for detection.
	RingSeconds int `yaml:"ring_seconds"`

	EmbeddingModelPath  string `yaml:"embedding_model_path"`
	ClassifierModelPath string `yaml:"classifier_model_path"`
}

type VADConfig struct {
	Mode             string  `yaml:"mode"` // "energy" or "model"
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SpeechFrames     int     `yaml:"speech_frames"`
	SilenceFrames    int     `yaml:"silence_frames"`
	ModelPath        string  `yaml:"model_path"`
	ModelThreshold   float64 `yaml:"model_threshold"`
	MinSpeechMS      int     `yaml:"min_speech_ms"`
	MinSilenceMS     int     `yaml:"min_silence_ms"`
}

type CaptureConfig struct {
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
	MinSpeechMS      int `yaml:"min_speech_ms"`
	MaxDurationMS    int `yaml:"max_duration_ms"`
}

type RecognizerConfig struct {
	Mode      string `yaml:"mode"` // "mock", "exec" or "whisper"
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
}

type RecognizeConfig struct {
	Fast             RecognizerConfig `yaml:"fast"`
	Accurate         RecognizerConfig `yaml:"accurate"`
	AccurateEnabled  bool             `yaml:"accurate_enabled"`
	PartialEveryMS   int              `yaml:"partial_every_ms"`
	MinUtteranceMS   int              `yaml:"min_utterance_ms"`
	TimeoutMS        int              `yaml:"timeout_ms"`
	ConfidenceBump   float64          `yaml:"confidence_bump"`
	FailureThreshold int              `yaml:"failure_threshold"`
	CooldownMS       int              `yaml:"cooldown_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "listend",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Device:      "portaudio",
			SampleRate:  16000,
			FrameSize:   1280,
			QueueFrames: 16,
		},
		Wake: WakeConfig{
			Enabled:          true,
			Mode:             "builtin",
			Threshold:        0.5,
			CooldownFrames:   25,
			MelWindow:        512,
			MelHop:           160,
			MelBins:          32,
			MelMaxLen:        97,
			EmbedWindow:      76,
			EmbedStride:      8,
			EmbedMaxLen:      120,
			ClassifierFrames: 16,
			RingSeconds:      10,
		},
		VAD: VADConfig{
			Mode:             "energy",
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     2,
			SilenceFrames:    3,
			ModelThreshold:   0.5,
			MinSpeechMS:      160,
			MinSilenceMS:     240,
		},
		Capture: CaptureConfig{
			SilenceTimeoutMS: 800,
			MinSpeechMS:      300,
			MaxDurationMS:    10000,
		},
		Recognize: RecognizeConfig{
			Fast: RecognizerConfig{
				Mode: "mock",
			},
			Accurate: RecognizerConfig{
				Mode: "mock",
			},
			AccurateEnabled:  false,
			PartialEveryMS:   800,
			MinUtteranceMS:   500,
			TimeoutMS:        10000,
			ConfidenceBump:   0.1,
			FailureThreshold: 3,
			CooldownMS:       30000,
		},
		History: HistoryConfig{
			Path:          "./data/listend-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxUtterances: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LISTEND_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LISTEND_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LISTEND_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LISTEND_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LISTEND_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LISTEND_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LISTEND_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LISTEND_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LISTEND_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LISTEND_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LISTEND_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LISTEND_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LISTEND_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LISTEND_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LISTEND_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LISTEND_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "LISTEND_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LISTEND_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "LISTEND_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.QueueFrames, "LISTEND_AUDIO_QUEUE_FRAMES")
	overrideBool(&cfg.Wake.Enabled, "LISTEND_WAKE_ENABLED")
	overrideString(&cfg.Wake.Mode, "LISTEND_WAKE_MODE")
	overrideFloat(&cfg.Wake.Threshold, "LISTEND_WAKE_THRESHOLD")
	overrideInt(&cfg.Wake.CooldownFrames, "LISTEND_WAKE_COOLDOWN_FRAMES")
	overrideInt(&cfg.Wake.RingSeconds, "LISTEND_WAKE_RING_SECONDS")
	overrideString(&cfg.Wake.EmbeddingModelPath, "LISTEND_WAKE_EMBEDDING_MODEL_PATH")
	overrideString(&cfg.Wake.ClassifierModelPath, "LISTEND_WAKE_CLASSIFIER_MODEL_PATH")
	overrideString(&cfg.VAD.Mode, "LISTEND_VAD_MODE")
	overrideFloat(&cfg.VAD.SpeechThreshold, "LISTEND_VAD_SPEECH_THRESHOLD")
	overrideFloat(&cfg.VAD.SilenceThreshold, "LISTEND_VAD_SILENCE_THRESHOLD")
	overrideString(&cfg.VAD.ModelPath, "LISTEND_VAD_MODEL_PATH")
	overrideFloat(&cfg.VAD.ModelThreshold, "LISTEND_VAD_MODEL_THRESHOLD")
	overrideInt(&cfg.VAD.MinSpeechMS, "LISTEND_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.MinSilenceMS, "LISTEND_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.Capture.SilenceTimeoutMS, "LISTEND_CAPTURE_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.MinSpeechMS, "LISTEND_CAPTURE_MIN_SPEECH_MS")
	overrideInt(&cfg.Capture.MaxDurationMS, "LISTEND_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Recognize.Fast.Mode, "LISTEND_RECOGNIZE_FAST_MODE")
	overrideString(&cfg.Recognize.Fast.Command, "LISTEND_RECOGNIZE_FAST_COMMAND")
	overrideString(&cfg.Recognize.Fast.ModelPath, "LISTEND_RECOGNIZE_FAST_MODEL_PATH")
	overrideString(&cfg.Recognize.Fast.Language, "LISTEND_RECOGNIZE_FAST_LANGUAGE")
	overrideBool(&cfg.Recognize.AccurateEnabled, "LISTEND_RECOGNIZE_ACCURATE_ENABLED")
	overrideString(&cfg.Recognize.Accurate.Mode, "LISTEND_RECOGNIZE_ACCURATE_MODE")
	overrideString(&cfg.Recognize.Accurate.Command, "LISTEND_RECOGNIZE_ACCURATE_COMMAND")
	overrideString(&cfg.Recognize.Accurate.ModelPath, "LISTEND_RECOGNIZE_ACCURATE_MODEL_PATH")
	overrideString(&cfg.Recognize.Accurate.Language, "LISTEND_RECOGNIZE_ACCURATE_LANGUAGE")
	overrideInt(&cfg.Recognize.Accurate.Threads, "LISTEND_RECOGNIZE_ACCURATE_THREADS")
	overrideInt(&cfg.Recognize.PartialEveryMS, "LISTEND_RECOGNIZE_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognize.MinUtteranceMS, "LISTEND_RECOGNIZE_MIN_UTTERANCE_MS")
	overrideInt(&cfg.Recognize.TimeoutMS, "LISTEND_RECOGNIZE_TIMEOUT_MS")
	overrideInt(&cfg.Recognize.FailureThreshold, "LISTEND_RECOGNIZE_FAILURE_THRESHOLD")
	overrideInt(&cfg.Recognize.CooldownMS, "LISTEND_RECOGNIZE_COOLDOWN_MS")
	overrideString(&cfg.History.Path, "LISTEND_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LISTEND_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LISTEND_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxUtterances, "LISTEND_HISTORY_MAX_UTTERANCES")
	overrideBool(&cfg.History.VacuumOnStart, "LISTEND_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Device {
	case "portaudio", "mock":
	default:
		return errors.New("audio.device must be one of portaudio|mock")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.QueueFrames <= 0 {
		return errors.New("audio.queue_frames must be positive")
	}
	if cfg.Wake.Enabled {
		switch cfg.Wake.Mode {
		case "builtin", "model":
		default:
			return errors.New("wake.mode must be one of builtin|model")
		}
		if cfg.Wake.Mode == "model" {
			if cfg.Wake.EmbeddingModelPath == "" || cfg.Wake.ClassifierModelPath == "" {
				return errors.New("wake model paths must be set when mode=model")
			}
		}
		if cfg.Wake.Threshold <= 0 || cfg.Wake.Threshold >= 1 {
			return errors.New("wake.threshold must be in (0, 1)")
		}
		if cfg.Wake.CooldownFrames < 0 {
			return errors.New("wake.cooldown_frames must be >= 0")
		}
		if cfg.Wake.RingSeconds <= 0 {
			return errors.New("wake.ring_seconds must be positive")
		}
	}
	switch cfg.VAD.Mode {
	case "energy", "model":
	default:
		return errors.New("vad.mode must be one of energy|model")
	}
	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		return errors.New("vad.silence_threshold must not exceed vad.speech_threshold")
	}
	if cfg.Capture.SilenceTimeoutMS <= 0 {
		return errors.New("capture.silence_timeout_ms must be positive")
	}
	if cfg.Capture.MinSpeechMS <= 0 {
		return errors.New("capture.min_speech_ms must be positive")
	}
	if cfg.Capture.MaxDurationMS <= cfg.Capture.SilenceTimeoutMS {
		return errors.New("capture.max_duration_ms must be greater than silence timeout")
	}
	if err := validateRecognizer("recognize.fast", cfg.Recognize.Fast); err != nil {
		return err
	}
	if cfg.Recognize.AccurateEnabled {
		if err := validateRecognizer("recognize.accurate", cfg.Recognize.Accurate); err != nil {
			return err
		}
	}
	if cfg.Recognize.PartialEveryMS <= 0 {
		return errors.New("recognize.partial_every_ms must be positive")
	}
	if cfg.Recognize.TimeoutMS <= 0 {
		return errors.New("recognize.timeout_ms must be positive")
	}
	if cfg.Recognize.MinUtteranceMS < 0 {
		return errors.New("recognize.min_utterance_ms must be >= 0")
	}
	if cfg.Recognize.ConfidenceBump < 0 || cfg.Recognize.ConfidenceBump > 1 {
		return errors.New("recognize.confidence_bump must be in [0, 1]")
	}
	if cfg.Recognize.FailureThreshold <= 0 {
		return errors.New("recognize.failure_threshold must be positive")
	}
	if cfg.Recognize.CooldownMS <= 0 {
		return errors.New("recognize.cooldown_ms must be positive")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

func validateRecognizer(section string, cfg RecognizerConfig) error {
	switch cfg.Mode {
	case "mock":
	case "exec":
		if cfg.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", section)
		}
	case "whisper":
		if cfg.ModelPath == "" {
			return fmt.Errorf("%s.model_path must be set when mode=whisper", section)
		}
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|whisper", section)
	}
	return nil
}
