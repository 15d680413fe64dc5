// Package config loads the service configuration from config/config.yaml,
// a .env file and CI_-prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
)

// EnvPrefix is prepended to every environment override, e.g. CI_SERVER_PORT.
const EnvPrefix = "CI"

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `mapstructure:"port"`
		Host string `mapstructure:"host"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Storage struct {
		TempDir     string `mapstructure:"temp_dir"`
		BlobBackend string `mapstructure:"blob_backend"`
		BlobDir     string `mapstructure:"blob_dir"`
		Database    string `mapstructure:"database"`
		Bucket      string `mapstructure:"bucket"`
	} `mapstructure:"storage"`

	Workers struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"workers"`

	Polling struct {
		Diarization   Poll `mapstructure:"diarization"`
		Transcription Poll `mapstructure:"transcription"`
		Translation   Poll `mapstructure:"translation"`
		Sentiment     Poll `mapstructure:"sentiment"`
		Entities      Poll `mapstructure:"entities"`
	} `mapstructure:"polling"`

	Retry struct {
		Interval    time.Duration `mapstructure:"interval"`
		Backoff     float64       `mapstructure:"backoff"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"retry"`

	Inference struct {
		Mode               string        `mapstructure:"mode"`
		DiarizationURL     string        `mapstructure:"diarization_url"`
		TranscriptionURL   string        `mapstructure:"transcription_url"`
		AnalyticsURL       string        `mapstructure:"analytics_url"`
		LanguageURL        string        `mapstructure:"language_url"`
		WhisperModel       string        `mapstructure:"whisper_model"`
		PythonCommand      string        `mapstructure:"python_command"`
		DiarizationCommand string        `mapstructure:"diarization_command"`
		FFmpegPath         string        `mapstructure:"ffmpeg_path"`
		Concurrency        int           `mapstructure:"concurrency"`
		JobRetries         int           `mapstructure:"job_retries"`
		JobRetryDelay      time.Duration `mapstructure:"job_retry_delay"`
		AnalyticsLanguage  string        `mapstructure:"analytics_language"`
	} `mapstructure:"inference"`

	LLM struct {
		Provider  string        `mapstructure:"provider"`
		Model     string        `mapstructure:"model"`
		BaseURL   string        `mapstructure:"base_url"`
		APIKey    string        `mapstructure:"api_key"`
		MaxTokens int           `mapstructure:"max_tokens"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`

	Prompts struct {
		File string `mapstructure:"file"`
	} `mapstructure:"prompts"`

	Cleanup struct {
		IntervalMinutes int `mapstructure:"interval_minutes"`
		MaxAgeHours     int `mapstructure:"max_age_hours"`
	} `mapstructure:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `mapstructure:"credentials_file"`
		TokenFile       string `mapstructure:"token_file"`
		FolderName      string `mapstructure:"folder_name"`
		PublishAttempts int    `mapstructure:"publish_attempts"`
	} `mapstructure:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
	} `mapstructure:"limits"`
}

// Poll configures one polled job.
type Poll struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.blob_backend", "local")
	v.SetDefault("storage.blob_dir", "data/blobs")
	v.SetDefault("storage.database", "data/calls.db")
	v.SetDefault("storage.bucket", "calls")

	v.SetDefault("workers.count", 2)

	d := pipeline.DefaultSettings()
	for name, p := range map[string]pipeline.PollSettings{
		"diarization":   d.Diarization,
		"transcription": d.Transcription,
		"translation":   d.Translation,
		"sentiment":     d.Sentiment,
		"entities":      d.Entities,
	} {
		v.SetDefault("polling."+name+".interval", p.Interval)
		v.SetDefault("polling."+name+".max_retries", p.MaxRetries)
	}
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)

	v.SetDefault("inference.mode", "local")
	v.SetDefault("inference.diarization_url", "")
	v.SetDefault("inference.transcription_url", "")
	v.SetDefault("inference.analytics_url", "")
	v.SetDefault("inference.language_url", "")
	v.SetDefault("inference.whisper_model", "small")
	v.SetDefault("inference.python_command", "python")
	v.SetDefault("inference.diarization_command", "")
	v.SetDefault("inference.ffmpeg_path", "ffmpeg")
	v.SetDefault("inference.concurrency", 2)
	v.SetDefault("inference.job_retries", 3)
	v.SetDefault("inference.job_retry_delay", "5s")
	v.SetDefault("inference.analytics_language", d.AnalyticsLanguage)

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("prompts.file", "config/prompts.yaml")

	v.SetDefault("cleanup.interval_minutes", 60)
	v.SetDefault("cleanup.max_age_hours", 24)

	v.SetDefault("google_drive.credentials_file", "credentials.json")
	v.SetDefault("google_drive.token_file", "token.json")
	v.SetDefault("google_drive.folder_name", "Call Insights")
	v.SetDefault("google_drive.publish_attempts", d.PublishAttempts)

	v.SetDefault("limits.max_file_size_mb", 200)
}

// Load reads the configuration. An empty path searches ./config/config.yaml
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.BlobBackend {
	case "local", "badger":
	default:
		errs = append(errs, fmt.Errorf("storage.blob_backend must be local or badger, got %q", c.Storage.BlobBackend))
	}
	switch c.Inference.Mode {
	case "local":
	case "http":
		if c.Inference.DiarizationURL == "" || c.Inference.TranscriptionURL == "" || c.Inference.AnalyticsURL == "" {
			errs = append(errs, errors.New("inference mode http needs diarization_url, transcription_url and analytics_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("inference.mode must be http or local, got %q", c.Inference.Mode))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, errors.New("workers.count must be at least 1"))
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.Interval <= 0 {
		errs = append(errs, errors.New("retry.interval must be positive and retry.max_attempts not negative"))
	}
	return errors.Join(errs...)
}

// PipelineSettings maps the polling and retry sections onto the workflow.
func (c *Config) PipelineSettings() pipeline.Settings {
	poll := func(p Poll) pipeline.PollSettings {
		return pipeline.PollSettings{Interval: p.Interval, MaxRetries: p.MaxRetries}
	}
	return pipeline.Settings{
		Diarization:   poll(c.Polling.Diarization),
		Transcription: poll(c.Polling.Transcription),
		Translation:   poll(c.Polling.Translation),
		Sentiment:     poll(c.Polling.Sentiment),
		Entities:      poll(c.Polling.Entities),
		Retry: pipeline.RetryPolicy{
			Interval:    c.Retry.Interval,
			Backoff:     c.Retry.Backoff,
			MaxAttempts: c.Retry.MaxAttempts,
		},
		AnalyticsLanguage: c.Inference.AnalyticsLanguage,
		PublishAttempts:   c.GoogleDrive.PublishAttempts,
	}
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DiarizationCommand splits the configured command line into arguments.
func (c *Config) DiarizationCommand() []string {
	return strings.Fields(c.Inference.DiarizationCommand)
}
