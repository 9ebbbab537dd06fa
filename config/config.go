// Package config loads the service configuration from a YAML file and the
// environment. Environment variables win over the file; defaults fill the rest.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bosley/dictation/logging"
)

const (
	MethodLocal = "local"
	MethodCloud = "cloud"
)

type Config struct {
	Server struct {
		Addr          string `yaml:"addr"`
		CertFile      string `yaml:"cert_file"`
		KeyFile       string `yaml:"key_file"`
		Token         string `yaml:"token"`
		RecordingsDir string `yaml:"recordings_dir"`
		Record        bool   `yaml:"record"`
	} `yaml:"server"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	AudioSocket struct {
		Addr string `yaml:"addr"`
	} `yaml:"audiosocket"`

	Whisper struct {
		Path       string `yaml:"path"`
		Model      string `yaml:"model"`
		ModelDir   string `yaml:"model_dir"`
		FFmpegPath string `yaml:"ffmpeg_path"`
	} `yaml:"whisper"`

	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"openai"`

	Diarization struct {
		HFToken string `yaml:"hf_token"`
		Python  string `yaml:"python"`
		Script  string `yaml:"script"`
		Device  string `yaml:"device"`
	} `yaml:"diarization"`

	Transcription struct {
		DefaultMethod string `yaml:"default_method"`
		UploadDir     string `yaml:"upload_dir"`
		InboxDir      string `yaml:"inbox_dir"`
		Workers       int    `yaml:"workers"`
	} `yaml:"transcription"`

	Streaming struct {
		Format         string  `yaml:"format"`
		MinBuffer      float64 `yaml:"min_buffer"`
		FlushThreshold float64 `yaml:"flush_threshold"`
		Language       string  `yaml:"language"`
		Diarize        bool    `yaml:"diarize"`
	} `yaml:"streaming"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Logging logging.Config `yaml:"logging"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "localhost:8443"
	cfg.Server.RecordingsDir = "recordings"
	cfg.HTTP.Addr = ":8444"
	cfg.Whisper.Path = "whisper-cli"
	cfg.Whisper.Model = "base"
	cfg.Whisper.ModelDir = "models"
	cfg.Whisper.FFmpegPath = "ffmpeg"
	cfg.OpenAI.Model = "whisper-1"
	cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	cfg.Diarization.Python = "python3"
	cfg.Diarization.Script = "scripts/pyannote_diarize.py"
	cfg.Diarization.Device = "cpu"
	cfg.Transcription.DefaultMethod = MethodLocal
	cfg.Transcription.UploadDir = "uploads"
	cfg.Transcription.Workers = 2
	cfg.Streaming.Format = "pcm"
	cfg.Streaming.MinBuffer = 2.0
	cfg.Streaming.FlushThreshold = 0.3
	cfg.Redis.Prefix = "dictation"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads path over the defaults, then applies the environment. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.Diarization.HFToken, "HF_TOKEN")
	set(&c.Whisper.Model, "WHISPER_MODEL")
	set(&c.Whisper.Path, "WHISPER_PATH")
	set(&c.Transcription.DefaultMethod, "DEFAULT_TRANSCRIPTION_METHOD")
	set(&c.Transcription.UploadDir, "UPLOAD_DIR")
	set(&c.Server.Token, "DICTATION_TOKEN")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Logging.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(getenv("TRANSCRIPTION_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TRANSCRIPTION_WORKERS %q: %w", v, err)
		}
		c.Transcription.Workers = n
	}

	c.Transcription.DefaultMethod = strings.ToLower(c.Transcription.DefaultMethod)
	return nil
}

// Validate rejects unusable values and returns warnings for capabilities that will
// be unavailable.
func (c *Config) Validate() ([]string, error) {
	var errs []error

	switch c.Transcription.DefaultMethod {
	case MethodLocal, MethodCloud:
	default:
		errs = append(errs, fmt.Errorf("transcription.default_method must be %q or %q, got %q", MethodLocal, MethodCloud, c.Transcription.DefaultMethod))
	}
	if c.Transcription.Workers < 1 {
		errs = append(errs, fmt.Errorf("transcription.workers must be at least 1, got %d", c.Transcription.Workers))
	}
	if c.Streaming.MinBuffer <= 0 {
		errs = append(errs, fmt.Errorf("streaming.min_buffer must be positive, got %v", c.Streaming.MinBuffer))
	}
	if c.Streaming.FlushThreshold < 0 {
		errs = append(errs, fmt.Errorf("streaming.flush_threshold must not be negative, got %v", c.Streaming.FlushThreshold))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	var warnings []string
	if c.OpenAI.APIKey == "" {
		warnings = append(warnings, "OPENAI_API_KEY not set, cloud transcription unavailable")
	}
	if c.Diarization.HFToken == "" {
		warnings = append(warnings, "HF_TOKEN not set, speaker diarization unavailable")
	}
	if c.Server.CertFile != "" && c.Server.Token == "" {
		warnings = append(warnings, "DICTATION_TOKEN not set, TLS streaming server disabled")
	}

	return warnings, errors.Join(errs...)
}
