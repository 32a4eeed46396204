package config

import "time"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the one-shot publish timers and the planning tick.
	Scheduler SchedulerConfig `json:"scheduler"`

	Signing  SigningConfig    `json:"signing"`
	Platform PlatformConfig   `json:"platform"`
	Text     GeneratorConfig  `json:"text"`
	Image    GeneratorConfig  `json:"image"`
	Notifier *NotifierConfig  `json:"notifier,omitempty"`
	API      *APIConfig       `json:"api,omitempty"`
	Pipeline PipelineConfig   `json:"pipeline"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite job store.
//
// Example:
//
//	"storage": { "path": "./data/xhsagent.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls timer behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - timezone: "Asia/Shanghai"
//   - misfire_grace: "5m"
//   - plan_cron: "" (auto planning disabled)
type SchedulerConfig struct {
	// Enabled, when set to false, keeps the whole timer machinery off:
	// no timers arm, no recovery pass runs, no periodic planning ticks.
	// Jobs can still be executed through the run-now API.
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone is the fixed operating timezone for scheduled_at values.
	Timezone string `json:"timezone,omitempty"`

	// MisfireGrace bounds how late a timer may fire and still run the job.
	// Beyond it the job is failed as expired, same as during recovery.
	MisfireGrace string `json:"misfire_grace,omitempty"`

	// PlanCron, when set, re-plans active goals on this cron spec.
	PlanCron string `json:"plan_cron,omitempty"`
}

// SigningConfig selects the request-signing strategy.
//
// Strategy values:
//   - "script": embedded JS engine (concurrent-safe, fast)
//   - "browser": headless Chrome page evaluation (exclusive, slow)
type SigningConfig struct {
	Strategy   string `json:"strategy"`
	ScriptPath string `json:"script_path,omitempty"` // required for "script"
	MnsPath    string `json:"mns_path,omitempty"`    // auxiliary token script
}

// PlatformConfig controls the outbound XHS client.
type PlatformConfig struct {
	BaseURL    string `json:"base_url,omitempty"` // default https://edith.xiaohongshu.com
	Timeout    string `json:"timeout,omitempty"`  // per-call, default "30s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// GeneratorConfig points at one OpenAI-compatible generation API.
type GeneratorConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier stays disabled.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	RetryMax    int    `json:"retry_max"`
	RetryBase   string `json:"retry_base"`
	DedupWindow string `json:"dedup_window"`

	WxPusher *WxPusherConfig `json:"wxpusher,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WxPusherConfig struct {
	AppToken string   `json:"app_token"`
	UIDs     []string `json:"uids"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// APIConfig controls the local triggering HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8520").
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// PipelineConfig tunes the publish saga.
type PipelineConfig struct {
	// ImageTimeout bounds a single image synthesis call. Default "3m".
	ImageTimeout string `json:"image_timeout,omitempty"`
	// DownloadTimeout bounds one asset download. Default "30s".
	DownloadTimeout string `json:"download_timeout,omitempty"`
}

// ---- normalized views ----

const DefaultTimezone = "Asia/Shanghai"

// IsEnabled treats an omitted enabled field as on.
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SchedulerConfig) Grace() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.misfire_grace", c.MisfireGrace, 5*time.Minute)
}

func (c PlatformConfig) CallTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("platform.timeout", c.Timeout, 30*time.Second)
}

func (c GeneratorConfig) CallTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("timeout", c.Timeout, 60*time.Second)
}

func (c PipelineConfig) ImageCallTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("pipeline.image_timeout", c.ImageTimeout, 3*time.Minute)
}

func (c PipelineConfig) DownloadCallTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("pipeline.download_timeout", c.DownloadTimeout, 30*time.Second)
}
