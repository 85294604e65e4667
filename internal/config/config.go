package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Database     DatabaseConfig            `yaml:"database"`
	Redis        RedisConfig               `yaml:"redis"`
	ClickHouse   ClickHouseConfig          `yaml:"clickhouse"`
	S3           S3Config                  `yaml:"s3"`
	Platforms    map[string]PlatformConfig `yaml:"platforms"`
	Scheduler    SchedulerConfig           `yaml:"scheduler"`
	Publisher    PublisherConfig           `yaml:"publisher"`
	Reconciler   ReconcilerConfig          `yaml:"reconciler"`
	Optimizer    OptimizerConfig           `yaml:"optimizer"`
	ABTest       ABTestConfig              `yaml:"abtest"`
	Identity     IdentityConfig            `yaml:"identity"`
	Master       MasterConfig              `yaml:"master"`
	Backpressure BackpressureConfig        `yaml:"backpressure"`
	Mode         string                    `yaml:"mode"` // "live" or "stub"
}

// Live reports whether real provider APIs should be called.
func (c *Config) Live() bool {
	return c.Mode == "live"
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings. URL wins when set;
// otherwise the discrete fields are composed into a DSN.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"dbname"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis connection settings for locks, rate limits and
// cooldown caches.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClickHouseConfig holds the analytics mirror settings. When disabled the
// ledger writes to Postgres only.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// S3Config holds media storage settings.
type S3Config struct {
	Enabled    bool   `yaml:"enabled"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	// Static keys for custom endpoints (MinIO in dev). Leave empty on AWS.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c S3Config) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// PlatformConfig holds per-platform posting windows and pacing rules.
type PlatformConfig struct {
	WindowStartHour  int    `yaml:"window_start_hour"`
	WindowEndHour    int    `yaml:"window_end_hour"`
	MinGapMinutes    int    `yaml:"min_gap_minutes"`
	HourlyPublishCap int    `yaml:"hourly_publish_cap"`
	CaptionTemplate  string `yaml:"caption_template"`
	APIBaseURL       string `yaml:"api_base_url"`
}

// MinGap returns the minimum spacing between posts as a duration.
func (c PlatformConfig) MinGap() time.Duration {
	return time.Duration(c.MinGapMinutes) * time.Minute
}

// SchedulerConfig holds auto-scheduler settings.
type SchedulerConfig struct {
	HorizonHours           int `yaml:"horizon_hours"`
	PromoteIntervalSeconds int `yaml:"promote_interval_seconds"`
	PromoteBatchSize       int `yaml:"promote_batch_size"`
}

// Horizon returns how far ahead the scheduler will place slots.
func (c SchedulerConfig) Horizon() time.Duration {
	return time.Duration(c.HorizonHours) * time.Hour
}

// PromoteInterval returns the queue promoter tick interval.
func (c SchedulerConfig) PromoteInterval() time.Duration {
	return time.Duration(c.PromoteIntervalSeconds) * time.Second
}

// PublisherConfig holds publishing worker settings.
type PublisherConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	BatchSize              int `yaml:"batch_size"`
	WorkerCount            int `yaml:"worker_count"`
	MaxRetries             int `yaml:"max_retries"`
	BaseBackoffSeconds     int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds      int `yaml:"max_backoff_seconds"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
}

// PollInterval returns the claim loop tick interval.
func (c PublisherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxBackoff returns the retry backoff ceiling.
func (c PublisherConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// ProviderTimeout returns the per-call deadline for provider requests.
func (c PublisherConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// ReconcilerConfig holds stuck-log sweep settings.
type ReconcilerConfig struct {
	IntervalMinutes        int `yaml:"interval_minutes"`
	ReconcileWindowMinutes int `yaml:"reconcile_window_minutes"`
	WebhookTimeoutMinutes  int `yaml:"webhook_timeout_minutes"`
}

// Interval returns the sweep tick interval.
func (c ReconcilerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ReconcileWindow returns the minimum quiet period before a log is examined.
func (c ReconcilerConfig) ReconcileWindow() time.Duration {
	return time.Duration(c.ReconcileWindowMinutes) * time.Minute
}

// WebhookTimeout returns the age past which a silent log is failed.
func (c ReconcilerConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMinutes) * time.Minute
}

// OptimizerConfig holds ROAS loop settings.
type OptimizerConfig struct {
	IntervalMinutes int                 `yaml:"interval_minutes"`
	Mode            string              `yaml:"mode"` // "suggest" or "auto"
	LookbackDays    int                 `yaml:"lookback_days"`
	Thresholds      OptimizerThresholds `yaml:"thresholds"`
	Guards          GuardConfig         `yaml:"guards"`
	ActionTTLHours  int                 `yaml:"action_ttl_hours"`
}

// Interval returns the optimizer tick interval.
func (c OptimizerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ActionTTL returns how long a suggestion stays actionable.
func (c OptimizerConfig) ActionTTL() time.Duration {
	return time.Duration(c.ActionTTLHours) * time.Hour
}

// AutoExecute reports whether passing actions execute without approval.
func (c OptimizerConfig) AutoExecute() bool {
	return c.Mode == "auto"
}

// OptimizerThresholds holds the ROAS classification boundaries.
type OptimizerThresholds struct {
	ScaleUpMin       float64 `yaml:"scale_up_min"`
	ScaleDownMax     float64 `yaml:"scale_down_max"`
	PauseBelow       float64 `yaml:"pause_below"`
	ReallocateMinAds int     `yaml:"reallocate_min_ads"`
	ReallocateSpread float64 `yaml:"reallocate_spread"`
	ScaleDownStepPct float64 `yaml:"scale_down_step_pct"`
}

// GuardConfig holds the guard-rail settings applied before any action
// leaves suggested state.
type GuardConfig struct {
	EmbargoHours      int     `yaml:"embargo_hours"`
	MinSpendUSD       float64 `yaml:"min_spend_usd"`
	MinImpressions    int64   `yaml:"min_impressions"`
	MinConfidence     float64 `yaml:"min_confidence"`
	AutoConfidence    float64 `yaml:"auto_confidence"`
	MaxDailyChangePct float64 `yaml:"max_daily_change_pct"`
	AutoChangePct     float64 `yaml:"auto_change_pct"`
	CooldownHours     int     `yaml:"cooldown_hours"`
	MaxPerCampaign    int     `yaml:"max_per_campaign"`
	MaxPerRun         int     `yaml:"max_per_run"`
}

// Embargo returns the minimum entity age before optimization.
func (c GuardConfig) Embargo() time.Duration {
	return time.Duration(c.EmbargoHours) * time.Hour
}

// Cooldown returns the minimum spacing between actions on one target.
func (c GuardConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// ABTestConfig holds A/B evaluation embargo and significance settings.
type ABTestConfig struct {
	MinImpressions       int64   `yaml:"min_impressions"`
	MinDurationHours     int     `yaml:"min_duration_hours"`
	SignificanceAlpha    float64 `yaml:"significance_alpha"`
	SweepIntervalMinutes int     `yaml:"sweep_interval_minutes"`
}

// MinDuration returns the evaluation embargo as a duration.
func (c ABTestConfig) MinDuration() time.Duration {
	return time.Duration(c.MinDurationHours) * time.Hour
}

// SweepInterval returns how often evaluable tests are swept.
func (c ABTestConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// IdentityConfig holds identity-isolation settings.
type IdentityConfig struct {
	ScraperPoolSize    int    `yaml:"scraper_pool_size"`
	ExclusiveVPNHandle string `yaml:"exclusive_vpn_handle"`
}

// MasterConfig holds master-control health and restart settings.
type MasterConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	DegradedAfterSeconds     int `yaml:"degraded_after_seconds"`
	OfflineAfterSeconds      int `yaml:"offline_after_seconds"`
	RestartCooldownMinutes   int `yaml:"restart_cooldown_minutes"`
}

// HeartbeatInterval returns how often components report liveness.
func (c MasterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// DegradedAfter returns the silence threshold for degraded status.
func (c MasterConfig) DegradedAfter() time.Duration {
	return time.Duration(c.DegradedAfterSeconds) * time.Second
}

// OfflineAfter returns the silence threshold for offline status.
func (c MasterConfig) OfflineAfter() time.Duration {
	return time.Duration(c.OfflineAfterSeconds) * time.Second
}

// RestartCooldown returns the minimum spacing between auto-restarts.
func (c MasterConfig) RestartCooldown() time.Duration {
	return time.Duration(c.RestartCooldownMinutes) * time.Minute
}

// BackpressureConfig holds queue depth guard settings.
type BackpressureConfig struct {
	HighWaterMark        int `yaml:"high_water_mark"`
	LowWaterMark         int `yaml:"low_water_mark"`
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// CheckInterval returns the depth sampling interval.
func (c BackpressureConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.ClickHouse.Addr == "" {
		cfg.ClickHouse.Addr = "localhost:9000"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "autopilot"
	}
	if cfg.ClickHouse.Table == "" {
		cfg.ClickHouse.Table = "ledger_events"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-west-2"
	}
	if cfg.Platforms == nil {
		cfg.Platforms = map[string]PlatformConfig{}
	}
	defaultPlatform(cfg.Platforms, "instagram", PlatformConfig{WindowStartHour: 9, WindowEndHour: 21, MinGapMinutes: 60, HourlyPublishCap: 4, APIBaseURL: "https://graph.facebook.com/v21.0"})
	defaultPlatform(cfg.Platforms, "tiktok", PlatformConfig{WindowStartHour: 10, WindowEndHour: 22, MinGapMinutes: 45, HourlyPublishCap: 6, APIBaseURL: "https://business-api.tiktok.com/open_api/v1.3"})
	defaultPlatform(cfg.Platforms, "youtube", PlatformConfig{WindowStartHour: 12, WindowEndHour: 20, MinGapMinutes: 120, HourlyPublishCap: 2, APIBaseURL: "https://www.googleapis.com/youtube/v3"})
	if cfg.Scheduler.HorizonHours == 0 {
		cfg.Scheduler.HorizonHours = 72
	}
	if cfg.Scheduler.PromoteIntervalSeconds == 0 {
		cfg.Scheduler.PromoteIntervalSeconds = 30
	}
	if cfg.Scheduler.PromoteBatchSize == 0 {
		cfg.Scheduler.PromoteBatchSize = 100
	}
	if cfg.Publisher.PollIntervalSeconds == 0 {
		cfg.Publisher.PollIntervalSeconds = 15
	}
	if cfg.Publisher.BatchSize == 0 {
		cfg.Publisher.BatchSize = 10
	}
	if cfg.Publisher.WorkerCount == 0 {
		cfg.Publisher.WorkerCount = 4
	}
	if cfg.Publisher.MaxRetries == 0 {
		cfg.Publisher.MaxRetries = 3
	}
	if cfg.Publisher.BaseBackoffSeconds == 0 {
		cfg.Publisher.BaseBackoffSeconds = 1
	}
	if cfg.Publisher.MaxBackoffSeconds == 0 {
		cfg.Publisher.MaxBackoffSeconds = 60
	}
	if cfg.Publisher.ProviderTimeoutSeconds == 0 {
		cfg.Publisher.ProviderTimeoutSeconds = 30
	}
	if cfg.Reconciler.IntervalMinutes == 0 {
		cfg.Reconciler.IntervalMinutes = 10
	}
	if cfg.Reconciler.ReconcileWindowMinutes == 0 {
		cfg.Reconciler.ReconcileWindowMinutes = 30
	}
	if cfg.Reconciler.WebhookTimeoutMinutes == 0 {
		cfg.Reconciler.WebhookTimeoutMinutes = 120
	}
	if cfg.Optimizer.IntervalMinutes == 0 {
		cfg.Optimizer.IntervalMinutes = 60
	}
	if cfg.Optimizer.Mode == "" {
		cfg.Optimizer.Mode = "suggest"
	}
	if cfg.Optimizer.LookbackDays == 0 {
		cfg.Optimizer.LookbackDays = 7
	}
	if cfg.Optimizer.Thresholds.ScaleUpMin == 0 {
		cfg.Optimizer.Thresholds.ScaleUpMin = 2.0
	}
	if cfg.Optimizer.Thresholds.ScaleDownMax == 0 {
		cfg.Optimizer.Thresholds.ScaleDownMax = 1.5
	}
	if cfg.Optimizer.Thresholds.PauseBelow == 0 {
		cfg.Optimizer.Thresholds.PauseBelow = 0.8
	}
	if cfg.Optimizer.Thresholds.ReallocateMinAds == 0 {
		cfg.Optimizer.Thresholds.ReallocateMinAds = 3
	}
	if cfg.Optimizer.Thresholds.ReallocateSpread == 0 {
		cfg.Optimizer.Thresholds.ReallocateSpread = 1.5
	}
	if cfg.Optimizer.Thresholds.ScaleDownStepPct == 0 {
		cfg.Optimizer.Thresholds.ScaleDownStepPct = 0.30
	}
	if cfg.Optimizer.Guards.EmbargoHours == 0 {
		cfg.Optimizer.Guards.EmbargoHours = 48
	}
	if cfg.Optimizer.Guards.MinSpendUSD == 0 {
		cfg.Optimizer.Guards.MinSpendUSD = 100
	}
	if cfg.Optimizer.Guards.MinImpressions == 0 {
		cfg.Optimizer.Guards.MinImpressions = 1000
	}
	if cfg.Optimizer.Guards.MinConfidence == 0 {
		cfg.Optimizer.Guards.MinConfidence = 0.65
	}
	if cfg.Optimizer.Guards.AutoConfidence == 0 {
		cfg.Optimizer.Guards.AutoConfidence = 0.75
	}
	if cfg.Optimizer.Guards.MaxDailyChangePct == 0 {
		cfg.Optimizer.Guards.MaxDailyChangePct = 0.20
	}
	if cfg.Optimizer.Guards.AutoChangePct == 0 {
		cfg.Optimizer.Guards.AutoChangePct = 0.10
	}
	if cfg.Optimizer.Guards.CooldownHours == 0 {
		cfg.Optimizer.Guards.CooldownHours = 24
	}
	if cfg.Optimizer.Guards.MaxPerCampaign == 0 {
		cfg.Optimizer.Guards.MaxPerCampaign = 5
	}
	if cfg.Optimizer.Guards.MaxPerRun == 0 {
		cfg.Optimizer.Guards.MaxPerRun = 50
	}
	if cfg.Optimizer.ActionTTLHours == 0 {
		cfg.Optimizer.ActionTTLHours = 48
	}
	if cfg.ABTest.MinImpressions == 0 {
		cfg.ABTest.MinImpressions = 1000
	}
	if cfg.ABTest.MinDurationHours == 0 {
		cfg.ABTest.MinDurationHours = 24
	}
	if cfg.ABTest.SignificanceAlpha == 0 {
		cfg.ABTest.SignificanceAlpha = 0.05
	}
	if cfg.ABTest.SweepIntervalMinutes == 0 {
		cfg.ABTest.SweepIntervalMinutes = 60
	}
	if cfg.Identity.ScraperPoolSize == 0 {
		cfg.Identity.ScraperPoolSize = 8
	}
	if cfg.Master.HeartbeatIntervalSeconds == 0 {
		cfg.Master.HeartbeatIntervalSeconds = 30
	}
	if cfg.Master.DegradedAfterSeconds == 0 {
		cfg.Master.DegradedAfterSeconds = 90
	}
	if cfg.Master.OfflineAfterSeconds == 0 {
		cfg.Master.OfflineAfterSeconds = 300
	}
	if cfg.Master.RestartCooldownMinutes == 0 {
		cfg.Master.RestartCooldownMinutes = 10
	}
	if cfg.Backpressure.HighWaterMark == 0 {
		cfg.Backpressure.HighWaterMark = 1000
	}
	if cfg.Backpressure.LowWaterMark == 0 {
		cfg.Backpressure.LowWaterMark = 600
	}
	if cfg.Backpressure.CheckIntervalSeconds == 0 {
		cfg.Backpressure.CheckIntervalSeconds = 30
	}
	if cfg.Mode == "" {
		cfg.Mode = "stub"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultPlatform(m map[string]PlatformConfig, name string, def PlatformConfig) {
	p, ok := m[name]
	if !ok {
		m[name] = def
		return
	}
	if p.WindowStartHour == 0 && p.WindowEndHour == 0 {
		p.WindowStartHour = def.WindowStartHour
		p.WindowEndHour = def.WindowEndHour
	}
	if p.MinGapMinutes == 0 {
		p.MinGapMinutes = def.MinGapMinutes
	}
	if p.HourlyPublishCap == 0 {
		p.HourlyPublishCap = def.HourlyPublishCap
	}
	if p.APIBaseURL == "" {
		p.APIBaseURL = def.APIBaseURL
	}
	m[name] = p
}

func (c *Config) validate() error {
	if c.Mode != "live" && c.Mode != "stub" {
		return fmt.Errorf("config: mode must be live or stub, got %q", c.Mode)
	}
	if c.Optimizer.Mode != "suggest" && c.Optimizer.Mode != "auto" {
		return fmt.Errorf("config: optimizer.mode must be suggest or auto, got %q", c.Optimizer.Mode)
	}
	for name, p := range c.Platforms {
		if p.WindowStartHour < 0 || p.WindowEndHour > 24 || p.WindowStartHour >= p.WindowEndHour {
			return fmt.Errorf("config: platform %s has invalid window [%d,%d)", name, p.WindowStartHour, p.WindowEndHour)
		}
		if p.MinGapMinutes <= 0 {
			return fmt.Errorf("config: platform %s min_gap_minutes must be positive", name)
		}
	}
	// A log younger than its worst-case retry schedule must never be swept,
	// or the reconciler would terminalize retries still in flight.
	worstCase := time.Duration(c.Publisher.MaxRetries) * c.Publisher.MaxBackoff()
	if c.Reconciler.ReconcileWindow() <= worstCase {
		return fmt.Errorf("config: reconcile window %v must exceed max_retries x max_backoff (%v)",
			c.Reconciler.ReconcileWindow(), worstCase)
	}
	if c.Backpressure.LowWaterMark >= c.Backpressure.HighWaterMark {
		return fmt.Errorf("config: backpressure low water mark %d must be below high water mark %d",
			c.Backpressure.LowWaterMark, c.Backpressure.HighWaterMark)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if mode := os.Getenv("AUTOPILOT_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if mode := os.Getenv("AUTOPILOT_OPTIMIZER_MODE"); mode != "" {
		cfg.Optimizer.Mode = mode
	}
	if bucket := os.Getenv("AUTOPILOT_S3_BUCKET"); bucket != "" {
		cfg.S3.Bucket = bucket
		cfg.S3.Enabled = true
	}
	if region := os.Getenv("AUTOPILOT_S3_REGION"); region != "" {
		cfg.S3.Region = region
	}
	if key := os.Getenv("AUTOPILOT_S3_ACCESS_KEY_ID"); key != "" {
		cfg.S3.AccessKeyID = key
	}
	if secret := os.Getenv("AUTOPILOT_S3_SECRET_ACCESS_KEY"); secret != "" {
		cfg.S3.SecretAccessKey = secret
	}
	if addr := os.Getenv("AUTOPILOT_CLICKHOUSE_ADDR"); addr != "" {
		cfg.ClickHouse.Addr = addr
		cfg.ClickHouse.Enabled = true
	}
	if handle := os.Getenv("AUTOPILOT_EXCLUSIVE_VPN_HANDLE"); handle != "" {
		cfg.Identity.ExclusiveVPNHandle = handle
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
