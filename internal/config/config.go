// Package config provides YAML-based configuration loading for mathreel.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level mathreel configuration, loaded from mathreel.yaml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Generator GeneratorConfig `yaml:"generator"`
	Review    ReviewConfig    `yaml:"review"`
	Render    RenderConfig    `yaml:"render"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the session database.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file, ":memory:" allowed
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
}

// BlobConfig selects where artifacts (images, scripts, code, videos) live.
type BlobConfig struct {
	Backend         string `yaml:"backend"` // local or gcs
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	PublicBaseURL   string `yaml:"public_base_url"`
	CredentialsFile string `yaml:"credentials_file"`
	AccessTokenEnv  string `yaml:"access_token_env"`
}

// GeneratorConfig configures the OpenAI-compatible text generation backend.
type GeneratorConfig struct {
	BaseURL          string  `yaml:"base_url"`
	APIKeyEnv        string  `yaml:"api_key_env"`
	AnalysisModel    string  `yaml:"analysis_model"`
	ScriptModel      string  `yaml:"script_model"`
	PlanModel        string  `yaml:"plan_model"`
	CodeModel        string  `yaml:"code_model"`
	TextTemperature  float32 `yaml:"text_temperature"`
	CodeTemperature  float32 `yaml:"code_temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	MaxResponseBytes int     `yaml:"max_response_bytes"`
	PromptsDir       string  `yaml:"prompts_dir"`
}

// ReviewConfig configures the multimodal video reviewer.
type ReviewConfig struct {
	Model              string `yaml:"model"`
	APIKeyEnv          string `yaml:"api_key_env"`
	Threshold          int    `yaml:"threshold"`
	MaxVideoMB         int    `yaml:"max_video_mb"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	DownloadTimeoutSec int    `yaml:"download_timeout_sec"`
	MaxOutputTokens    int    `yaml:"max_output_tokens"`
}

// RenderConfig configures the Manim render subprocess.
type RenderConfig struct {
	Python          string `yaml:"python"`
	Quality         string `yaml:"quality"`
	WorkDir         string `yaml:"work_dir"`
	TimeoutSec      int    `yaml:"timeout_sec"`
	DefaultScene    string `yaml:"default_scene"`
	SceneBase       string `yaml:"scene_base"`
	StderrTail      int    `yaml:"stderr_tail"`
	SkipSyntaxCheck bool   `yaml:"skip_syntax_check"`
}

// PipelineConfig holds the recovery policy. Negative bounds disable a loop.
type PipelineConfig struct {
	MaxRepairs      int  `yaml:"max_repairs"`
	MaxImprovements int  `yaml:"max_improvements"`
	RepairBackoffMs int  `yaml:"repair_backoff_ms"`
	SkipVisualPlan  bool `yaml:"skip_visual_plan"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int `yaml:"port"`
	MaxUploadMB int `yaml:"max_upload_mb"`
	// Uploads per minute accepted on /process-image; 0 disables the limit.
	UploadsPerMinute int `yaml:"uploads_per_minute"`
	UploadBurst      int `yaml:"upload_burst"`
}

// DispatchConfig bounds concurrent runs and drives the resume sweeper.
type DispatchConfig struct {
	MaxConcurrent  int    `yaml:"max_concurrent"`
	ResumeSchedule string `yaml:"resume_schedule"`
	StaleAfterSec  int    `yaml:"stale_after_sec"`
	SweepLimit     int    `yaml:"sweep_limit"`
}

// NotifyConfig holds optional chat destinations for terminal session reports.
type NotifyConfig struct {
	SlackChannel    string `yaml:"slack_channel"`
	SlackTokenEnv   string `yaml:"slack_token_env"`
	DiscordChannel  string `yaml:"discord_channel"`
	DiscordTokenEnv string `yaml:"discord_token_env"`
}

// TelemetryConfig selects where OpenTelemetry spans are exported.
type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter"` // none, otlp or stdout
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	ServiceName   string `yaml:"service_name"`
}

// Secrets holds credentials resolved from the environment. They are never
// read from the YAML file itself.
type Secrets struct {
	GeneratorAPIKey string
	ReviewAPIKey    string
	BlobAccessToken string
	SlackToken      string
	DiscordToken    string
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// SecretsFromEnv resolves the configured secret variable names using getenv.
func (c *Config) SecretsFromEnv(getenv func(string) string) Secrets {
	s := Secrets{
		GeneratorAPIKey: getenv(c.Generator.APIKeyEnv),
		ReviewAPIKey:    getenv(c.Review.APIKeyEnv),
		SlackToken:      getenv(c.Notify.SlackTokenEnv),
		DiscordToken:    getenv(c.Notify.DiscordTokenEnv),
	}
	if c.Blob.AccessTokenEnv != "" {
		s.BlobAccessToken = getenv(c.Blob.AccessTokenEnv)
	}
	return s
}

// RenderTimeout returns the per-render subprocess deadline.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSec) * time.Second
}

// ReviewTimeout returns the deadline for one review call.
func (c *Config) ReviewTimeout() time.Duration {
	return time.Duration(c.Review.TimeoutSec) * time.Second
}

// DownloadTimeout returns the deadline for fetching a stored video for review.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Review.DownloadTimeoutSec) * time.Second
}

// RepairBackoff returns the pause between consecutive repair attempts.
func (c *Config) RepairBackoff() time.Duration {
	return time.Duration(c.Pipeline.RepairBackoffMs) * time.Millisecond
}

// StaleAfter returns how long a non-terminal session must be idle before
// the sweeper resumes it.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Dispatch.StaleAfterSec) * time.Second
}

// MaxVideoBytes returns the review payload ceiling in bytes.
func (c *Config) MaxVideoBytes() int64 {
	return int64(c.Review.MaxVideoMB) * 1024 * 1024
}

// MaxUploadBytes returns the request image ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) * 1024 * 1024
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "mathreel.db"
	}
	if c.Store.Host == "" {
		c.Store.Host = "127.0.0.1"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.Database == "" {
		c.Store.Database = "mathreel"
	}
	if c.Store.User == "" {
		c.Store.User = "root"
	}

	if c.Blob.Backend == "" {
		c.Blob.Backend = "local"
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = ".mathreel/artifacts"
	}

	if c.Generator.BaseURL == "" {
		c.Generator.BaseURL = "https://api.deepinfra.com/v1/openai"
	}
	if c.Generator.APIKeyEnv == "" {
		c.Generator.APIKeyEnv = "GENERATOR_API_KEY"
	}
	if c.Generator.AnalysisModel == "" {
		c.Generator.AnalysisModel = "meta-llama/Llama-4-Maverick-17B-128E-Instruct-FP8"
	}
	if c.Generator.ScriptModel == "" {
		c.Generator.ScriptModel = c.Generator.AnalysisModel
	}
	if c.Generator.PlanModel == "" {
		c.Generator.PlanModel = c.Generator.ScriptModel
	}
	if c.Generator.CodeModel == "" {
		c.Generator.CodeModel = c.Generator.ScriptModel
	}
	if c.Generator.TextTemperature == 0 {
		c.Generator.TextTemperature = 0.4
	}
	if c.Generator.CodeTemperature == 0 {
		c.Generator.CodeTemperature = 0.2
	}
	if c.Generator.MaxTokens == 0 {
		c.Generator.MaxTokens = 8192
	}
	if c.Generator.MaxResponseBytes == 0 {
		c.Generator.MaxResponseBytes = 64 * 1024
	}

	if c.Review.Model == "" {
		c.Review.Model = "gemini-2.0-flash"
	}
	if c.Review.APIKeyEnv == "" {
		c.Review.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.Review.Threshold == 0 {
		c.Review.Threshold = 90
	}
	if c.Review.MaxVideoMB == 0 {
		c.Review.MaxVideoMB = 20
	}
	if c.Review.TimeoutSec == 0 {
		c.Review.TimeoutSec = 90
	}
	if c.Review.DownloadTimeoutSec == 0 {
		c.Review.DownloadTimeoutSec = 60
	}
	if c.Review.MaxOutputTokens == 0 {
		c.Review.MaxOutputTokens = 8192
	}

	if c.Render.Python == "" {
		c.Render.Python = "python3"
	}
	if c.Render.Quality == "" {
		c.Render.Quality = "medium"
	}
	if c.Render.TimeoutSec == 0 {
		c.Render.TimeoutSec = 300
	}
	if c.Render.DefaultScene == "" {
		c.Render.DefaultScene = "EducationalScene"
	}
	if c.Render.SceneBase == "" {
		c.Render.SceneBase = "Scene"
	}
	if c.Render.StderrTail == 0 {
		c.Render.StderrTail = 5000
	}

	if c.Pipeline.MaxRepairs == 0 {
		c.Pipeline.MaxRepairs = 3
	}
	if c.Pipeline.MaxImprovements == 0 {
		c.Pipeline.MaxImprovements = 1
	}
	if c.Pipeline.RepairBackoffMs == 0 {
		c.Pipeline.RepairBackoffMs = 2000
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 10
	}
	if c.Server.UploadsPerMinute > 0 && c.Server.UploadBurst == 0 {
		c.Server.UploadBurst = c.Server.UploadsPerMinute
	}

	if c.Dispatch.MaxConcurrent == 0 {
		c.Dispatch.MaxConcurrent = 2
	}
	if c.Dispatch.ResumeSchedule == "" {
		c.Dispatch.ResumeSchedule = "*/5 * * * *"
	}
	if c.Dispatch.StaleAfterSec == 0 {
		c.Dispatch.StaleAfterSec = 900
	}
	if c.Dispatch.SweepLimit == 0 {
		c.Dispatch.SweepLimit = 20
	}

	if c.Notify.SlackTokenEnv == "" {
		c.Notify.SlackTokenEnv = "SLACK_BOT_TOKEN"
	}
	if c.Notify.DiscordTokenEnv == "" {
		c.Notify.DiscordTokenEnv = "DISCORD_BOT_TOKEN"
	}

	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = "none"
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mathreel"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	switch c.Blob.Backend {
	case "local":
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for the gcs backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("blob.backend %q must be local or gcs", c.Blob.Backend))
	}
	switch c.Render.Quality {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Sprintf("render.quality %q must be low, medium or high", c.Render.Quality))
	}
	if c.Review.Threshold < 0 || c.Review.Threshold > 100 {
		errs = append(errs, "review.threshold must be between 0 and 100")
	}
	if c.Render.TimeoutSec < 0 {
		errs = append(errs, "render.timeout_sec must not be negative")
	}
	if c.Review.MaxVideoMB < 0 {
		errs = append(errs, "review.max_video_mb must not be negative")
	}
	if c.Dispatch.MaxConcurrent < 0 {
		errs = append(errs, "dispatch.max_concurrent must not be negative")
	}
	if c.Generator.TextTemperature < 0 || c.Generator.CodeTemperature < 0 {
		errs = append(errs, "generator temperatures must not be negative")
	}
	if c.Server.UploadsPerMinute < 0 {
		errs = append(errs, "server.uploads_per_minute must not be negative")
	}
	switch c.Telemetry.TraceExporter {
	case "none", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.trace_exporter %q must be none, otlp or stdout", c.Telemetry.TraceExporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
