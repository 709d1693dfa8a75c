package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Forecast  ForecastConfig  `json:"forecast" yaml:"forecast"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	BatchSize     int             `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration   `json:"flush_interval" yaml:"flush_interval"`
	RateLimit     float64         `json:"rate_limit" yaml:"rate_limit"`
	RateBurst     int             `json:"rate_burst" yaml:"rate_burst"`
	DedupTTL      time.Duration   `json:"dedup_ttl" yaml:"dedup_ttl"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Format  string `json:"format" yaml:"format"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
	Format     string   `json:"format" yaml:"format"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
	Format  string   `json:"format" yaml:"format"`
}

type ParserConfig struct {
	Timezone           string `json:"timezone" yaml:"timezone"`
	DefaultEnvironment string `json:"default_environment" yaml:"default_environment"`
	DefaultFormat      string `json:"default_format" yaml:"default_format"`
}

type DetectionConfig struct {
	Sensitivity          float64       `json:"sensitivity" yaml:"sensitivity"`
	ResponseTimeLookback time.Duration `json:"response_time_lookback" yaml:"response_time_lookback"`
	ErrorRateLookback    time.Duration `json:"error_rate_lookback" yaml:"error_rate_lookback"`
	ErrorRateBucket      time.Duration `json:"error_rate_bucket" yaml:"error_rate_bucket"`
	PatternLookback      time.Duration `json:"pattern_lookback" yaml:"pattern_lookback"`
	RecentWindow         time.Duration `json:"recent_window" yaml:"recent_window"`
	DedupWindow          time.Duration `json:"dedup_window" yaml:"dedup_window"`
	MinSamples           int           `json:"min_samples" yaml:"min_samples"`
	PatternMinSamples    int           `json:"pattern_min_samples" yaml:"pattern_min_samples"`
	PatternMinRecent     int           `json:"pattern_min_recent" yaml:"pattern_min_recent"`
	PatternMinHistorical int           `json:"pattern_min_historical" yaml:"pattern_min_historical"`
	MinBuckets           int           `json:"min_buckets" yaml:"min_buckets"`
	Neighbors            int           `json:"neighbors" yaml:"neighbors"`
	Contamination        float64       `json:"contamination" yaml:"contamination"`
	DriftEps             float64       `json:"drift_eps" yaml:"drift_eps"`
	DriftMinSamples      int           `json:"drift_min_samples" yaml:"drift_min_samples"`
	DriftThreshold       float64       `json:"drift_threshold" yaml:"drift_threshold"`
	Stream               StreamConfig  `json:"stream" yaml:"stream"`
}

type StreamConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	WindowSize    int           `json:"window_size" yaml:"window_size"`
	MaxAge        time.Duration `json:"max_age" yaml:"max_age"`
	Neighbors     int           `json:"neighbors" yaml:"neighbors"`
	Contamination float64       `json:"contamination" yaml:"contamination"`
	RiskKeywords  []string      `json:"risk_keywords" yaml:"risk_keywords"`
}

type ForecastConfig struct {
	HorizonHours       int              `json:"horizon_hours" yaml:"horizon_hours"`
	MaxHorizonHours    int              `json:"max_horizon_hours" yaml:"max_horizon_hours"`
	HistoryWindow      time.Duration    `json:"history_window" yaml:"history_window"`
	MinSamples         int              `json:"min_samples" yaml:"min_samples"`
	Trees              int              `json:"trees" yaml:"trees"`
	Seed               int64            `json:"seed" yaml:"seed"`
	ResponseConfidence float64          `json:"response_confidence" yaml:"response_confidence"`
	ErrorConfidence    float64          `json:"error_confidence" yaml:"error_confidence"`
	Journeys           []JourneyConfig  `json:"journeys" yaml:"journeys"`
	ModelCache         ModelCacheConfig `json:"model_cache" yaml:"model_cache"`
}

type JourneyConfig struct {
	Name string   `json:"name" yaml:"name"`
	APIs []string `json:"apis" yaml:"apis"`
}

type ModelCacheConfig struct {
	Size      int           `json:"size" yaml:"size"`
	Backend   string        `json:"backend" yaml:"backend"`
	RedisAddr string        `json:"redis_addr" yaml:"redis_addr"`
	RedisTTL  time.Duration `json:"redis_ttl" yaml:"redis_ttl"`
}

type AlertsConfig struct {
	DedupWindow      time.Duration `json:"dedup_window" yaml:"dedup_window"`
	SeedDefaultRules bool          `json:"seed_default_rules" yaml:"seed_default_rules"`
	NotifyCooldown   time.Duration `json:"notify_cooldown" yaml:"notify_cooldown"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type RetentionConfig struct {
	DaysToKeep int           `json:"days_to_keep" yaml:"days_to_keep"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
}

type SchedulerConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	DetectionInterval time.Duration `json:"detection_interval" yaml:"detection_interval"`
	ForecastInterval  time.Duration `json:"forecast_interval" yaml:"forecast_interval"`
	AlertInterval     time.Duration `json:"alert_interval" yaml:"alert_interval"`
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	NATSURL string `json:"nats_url" yaml:"nats_url"`
	Subject string `json:"subject" yaml:"subject"`
}

func DefaultJourneys() []JourneyConfig {
	return []JourneyConfig{
		{Name: "User Authentication", APIs: []string{"/api/auth/login", "/api/users"}},
		{Name: "Order Processing", APIs: []string{"/api/orders", "/api/payments", "/api/products"}},
		{Name: "Product Search", APIs: []string{"/api/search", "/api/products", "/api/recommendations"}},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			BatchSize:     200,
			FlushInterval: 1 * time.Second,
			RateLimit:     500,
			RateBurst:     1000,
			DedupTTL:      10 * time.Minute,
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000", Format: "json"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true, Format: "json"},
			Kafka:         KafkaConfig{Enabled: false, Format: "json"},
			Parser:        ParserConfig{Timezone: "UTC", DefaultFormat: "json"},
		},
		Detection: DetectionConfig{
			Sensitivity:          3.0,
			ResponseTimeLookback: 24 * time.Hour,
			ErrorRateLookback:    24 * time.Hour,
			ErrorRateBucket:      10 * time.Minute,
			PatternLookback:      7 * 24 * time.Hour,
			RecentWindow:         24 * time.Hour,
			DedupWindow:          5 * time.Minute,
			MinSamples:           10,
			PatternMinSamples:    50,
			PatternMinRecent:     10,
			PatternMinHistorical: 30,
			MinBuckets:           5,
			Neighbors:            20,
			Contamination:        0.05,
			DriftEps:             0.5,
			DriftMinSamples:      5,
			DriftThreshold:       30,
			Stream: StreamConfig{
				Enabled:       true,
				WindowSize:    500,
				Neighbors:     15,
				Contamination: 0.1,
				RiskKeywords:  []string{"admin", "debug"},
			},
		},
		Forecast: ForecastConfig{
			HorizonHours:       3,
			MaxHorizonHours:    168,
			HistoryWindow:      7 * 24 * time.Hour,
			MinSamples:         24,
			Trees:              100,
			Seed:               42,
			ResponseConfidence: 0.8,
			ErrorConfidence:    0.7,
			Journeys:           DefaultJourneys(),
			ModelCache:         ModelCacheConfig{Size: 256, Backend: "sql", RedisTTL: 7 * 24 * time.Hour},
		},
		Alerts:    AlertsConfig{DedupWindow: time.Hour, SeedDefaultRules: true, NotifyCooldown: 5 * time.Minute},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:apipulse.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		API:       APIConfig{Enabled: true, Addr: ":8080"},
		Retention: RetentionConfig{DaysToKeep: 30, Interval: 24 * time.Hour},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			DetectionInterval: 5 * time.Minute,
			ForecastInterval:  time.Hour,
			AlertInterval:     time.Minute,
		},
		Notify: NotifyConfig{Enabled: false, Subject: "apipulse.alerts"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = def.Ingest.BatchSize
	}
	if cfg.Ingest.FlushInterval <= 0 {
		cfg.Ingest.FlushInterval = def.Ingest.FlushInterval
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultFormat == "" {
		cfg.Ingest.Parser.DefaultFormat = "json"
	}
	d := &cfg.Detection
	if d.Sensitivity <= 0 {
		d.Sensitivity = def.Detection.Sensitivity
	}
	if d.ErrorRateBucket <= 0 {
		d.ErrorRateBucket = def.Detection.ErrorRateBucket
	}
	if d.DedupWindow <= 0 {
		d.DedupWindow = def.Detection.DedupWindow
	}
	if d.Neighbors <= 0 {
		d.Neighbors = def.Detection.Neighbors
	}
	if d.Contamination <= 0 || d.Contamination >= 0.5 {
		d.Contamination = def.Detection.Contamination
	}
	if d.Stream.WindowSize <= 0 {
		d.Stream.WindowSize = def.Detection.Stream.WindowSize
	}
	if d.Stream.Neighbors <= 0 {
		d.Stream.Neighbors = def.Detection.Stream.Neighbors
	}
	if len(d.Stream.RiskKeywords) == 0 {
		d.Stream.RiskKeywords = def.Detection.Stream.RiskKeywords
	}
	f := &cfg.Forecast
	if f.Trees <= 0 {
		f.Trees = def.Forecast.Trees
	}
	if f.HorizonHours <= 0 {
		f.HorizonHours = def.Forecast.HorizonHours
	}
	if f.MaxHorizonHours <= 0 {
		f.MaxHorizonHours = def.Forecast.MaxHorizonHours
	}
	if f.HistoryWindow <= 0 {
		f.HistoryWindow = def.Forecast.HistoryWindow
	}
	if f.MinSamples <= 0 {
		f.MinSamples = def.Forecast.MinSamples
	}
	if f.ModelCache.Size <= 0 {
		f.ModelCache.Size = def.Forecast.ModelCache.Size
	}
	if f.ModelCache.Backend == "" {
		f.ModelCache.Backend = def.Forecast.ModelCache.Backend
	}
	if cfg.Alerts.DedupWindow <= 0 {
		cfg.Alerts.DedupWindow = def.Alerts.DedupWindow
	}
	if cfg.Alerts.NotifyCooldown < 0 {
		cfg.Alerts.NotifyCooldown = 0
	}
	if cfg.Retention.DaysToKeep <= 0 {
		cfg.Retention.DaysToKeep = def.Retention.DaysToKeep
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = def.Retention.Interval
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = def.Notify.Subject
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", cfg.Storage.Driver)
	}
	switch cfg.Forecast.ModelCache.Backend {
	case "sql", "memory":
	case "redis":
		if cfg.Forecast.ModelCache.RedisAddr == "" {
			return errors.New("forecast.model_cache.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("unsupported forecast.model_cache.backend: %q", cfg.Forecast.ModelCache.Backend)
	}
	if cfg.Notify.Enabled && cfg.Notify.NATSURL == "" {
		return errors.New("notify.nats_url required when notify.enabled is true")
	}
	if cfg.Detection.DriftThreshold <= 0 || cfg.Detection.DriftThreshold > 100 {
		return errors.New("detection.drift_threshold must be in (0, 100]")
	}
	if cfg.Forecast.ResponseConfidence < 0 || cfg.Forecast.ResponseConfidence > 1 ||
		cfg.Forecast.ErrorConfidence < 0 || cfg.Forecast.ErrorConfidence > 1 {
		return errors.New("forecast confidences must be within [0, 1]")
	}
	if cfg.Forecast.MaxHorizonHours <= 0 || cfg.Forecast.HorizonHours > cfg.Forecast.MaxHorizonHours {
		return fmt.Errorf("forecast.horizon_hours must be within (0, %d]", cfg.Forecast.MaxHorizonHours)
	}
	for _, j := range cfg.Forecast.Journeys {
		if j.Name == "" || len(j.APIs) == 0 {
			return fmt.Errorf("forecast.journeys entry %q needs a name and at least one api", j.Name)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// because there is no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
