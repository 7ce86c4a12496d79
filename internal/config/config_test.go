package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameSize != 1280 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Wake.Threshold != 0.5 || cfg.Wake.EmbedWindow != 76 {
		t.Fatalf("unexpected wake defaults: %+v", cfg.Wake)
	}
	if cfg.Wake.RingSeconds != 10 {
		t.Fatalf("expected 10s of wake sample history, got %d", cfg.Wake.RingSeconds)
	}
	if cfg.Recognize.TimeoutMS != 10000 {
		t.Fatalf("expected accurate timeout default 10000, got %d", cfg.Recognize.TimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEND_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LISTEND_BUS_USERNAME", "alice")
	t.Setenv("LISTEND_BUS_PASSWORD", "secret")
	t.Setenv("LISTEND_BUS_TLS_INSECURE", "true")
	t.Setenv("LISTEND_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LISTEND_AUDIO_DEVICE", "mock")
	t.Setenv("LISTEND_AUDIO_SAMPLE_RATE", "16000")
	t.Setenv("LISTEND_WAKE_THRESHOLD", "0.65")
	t.Setenv("LISTEND_VAD_MODE", "model")
	t.Setenv("LISTEND_VAD_MODEL_PATH", "./vad.bin")
	t.Setenv("LISTEND_CAPTURE_SILENCE_TIMEOUT_MS", "600")
	t.Setenv("LISTEND_RECOGNIZE_ACCURATE_ENABLED", "true")
	t.Setenv("LISTEND_RECOGNIZE_ACCURATE_MODE", "whisper")
	t.Setenv("LISTEND_RECOGNIZE_ACCURATE_MODEL_PATH", "./ggml-base.en.bin")
	t.Setenv("LISTEND_HISTORY_PATH", "./tmp.db")
	t.Setenv("LISTEND_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("LISTEND_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("LISTEND_HISTORY_MAX_UTTERANCES", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Audio.Device != "mock" {
		t.Fatalf("expected audio device override")
	}
	if cfg.Wake.Threshold != 0.65 {
		t.Fatalf("expected wake threshold override, got %v", cfg.Wake.Threshold)
	}
	if cfg.VAD.Mode != "model" || cfg.VAD.ModelPath != "./vad.bin" {
		t.Fatalf("expected vad overrides, got %+v", cfg.VAD)
	}
	if cfg.Capture.SilenceTimeoutMS != 600 {
		t.Fatalf("expected capture silence timeout override")
	}
	if !cfg.Recognize.AccurateEnabled || cfg.Recognize.Accurate.Mode != "whisper" {
		t.Fatalf("expected accurate recognizer overrides, got %+v", cfg.Recognize)
	}
	if cfg.History.Path != "./tmp.db" {
		t.Fatalf("expected history path override")
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention mode override")
	}
	if cfg.History.RetentionDays != 7 {
		t.Fatalf("expected history retention days override")
	}
	if cfg.History.MaxUtterances != 123 {
		t.Fatalf("expected history max utterances override")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listend.yaml")
	data := []byte(`
runtime_name: bench-rig
audio:
  device: mock
  frame_size: 640
wake:
  threshold: 0.7
recognize:
  fast:
    mode: exec
    command: "asr-cli --fast"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "bench-rig" {
		t.Fatalf("runtime name = %q", cfg.RuntimeName)
	}
	if cfg.Audio.FrameSize != 640 {
		t.Fatalf("frame size = %d", cfg.Audio.FrameSize)
	}
	if cfg.Wake.Threshold != 0.7 {
		t.Fatalf("wake threshold = %v", cfg.Wake.Threshold)
	}
	if cfg.Recognize.Fast.Mode != "exec" || cfg.Recognize.Fast.Command != "asr-cli --fast" {
		t.Fatalf("fast recognizer = %+v", cfg.Recognize.Fast)
	}
	// Untouched sections keep their defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("http port = %d", cfg.HTTP.Port)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LISTEND_AUDIO_DEVICE":               "soundblaster",
		"LISTEND_WAKE_THRESHOLD":             "1.5",
		"LISTEND_WAKE_RING_SECONDS":          "0",
		"LISTEND_VAD_MODE":                   "psychic",
		"LISTEND_CAPTURE_SILENCE_TIMEOUT_MS": "-5",
		"LISTEND_RECOGNIZE_FAST_MODE":        "telepathy",
		"LISTEND_HISTORY_RETENTION_MODE":     "forever",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}
