package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix selects environment overrides, e.g. DOORRELAY_UNIFI__API_TOKEN.
const EnvPrefix = "DOORRELAY_"

var ErrEmpty = errors.New("config file is empty")

type Config struct {
	LogLevel      string            `json:"log_level" yaml:"log_level"`
	LogFormat     string            `json:"log_format" yaml:"log_format"`
	UniFi         UniFiConfig       `json:"unifi" yaml:"unifi"`
	Ingest        IngestConfig      `json:"ingest" yaml:"ingest"`
	UnlockRules   RuleSetConfig     `json:"unlock_rules" yaml:"unlock_rules"`
	DoorbellRules RuleSetConfig     `json:"doorbell_rules" yaml:"doorbell_rules"`
	Doorbell      DoorbellConfig    `json:"doorbell" yaml:"doorbell"`
	Resolver      ResolverConfig    `json:"resolver" yaml:"resolver"`
	SelfTrigger   SelfTriggerConfig `json:"self_trigger" yaml:"self_trigger"`
	Groups        map[string]string `json:"groups" yaml:"groups"`
	Directory     DirectoryConfig   `json:"directory" yaml:"directory"`
	API           APIConfig         `json:"api" yaml:"api"`
	Storage       StorageConfig     `json:"storage" yaml:"storage"`
	Redis         RedisConfig       `json:"redis" yaml:"redis"`
	Broadcast     BroadcastConfig   `json:"broadcast" yaml:"broadcast"`
	History       HistoryConfig     `json:"history" yaml:"history"`
}

type UniFiConfig struct {
	Host      string        `json:"host" yaml:"host"`
	Port      int           `json:"port" yaml:"port"`
	APIToken  string        `json:"api_token" yaml:"api_token"`
	VerifyTLS bool          `json:"verify_tls" yaml:"verify_tls"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

type IngestConfig struct {
	Webhook         WebhookConfig         `json:"webhook" yaml:"webhook"`
	WebSocket       WebSocketConfig       `json:"websocket" yaml:"websocket"`
	Kafka           KafkaConfig           `json:"kafka" yaml:"kafka"`
	RegisterWebhook RegisterWebhookConfig `json:"register_webhook" yaml:"register_webhook"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Secret  string `json:"secret" yaml:"secret"`
}

type WebSocketConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// RegisterWebhookConfig asks the controller to push events to URL on startup.
type RegisterWebhookConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Name    string   `json:"name" yaml:"name"`
	URL     string   `json:"url" yaml:"url"`
	Events  []string `json:"events" yaml:"events"`
}

// RuleSetConfig accepts the array form (Rules) or the legacy form
// (TriggerLocation + Groups). Both may be present; they are concatenated.
type RuleSetConfig struct {
	Rules           []RuleConfig            `json:"rules" yaml:"rules"`
	TriggerLocation string                  `json:"trigger_location" yaml:"trigger_location"`
	Groups          map[string]ActionConfig `json:"groups" yaml:"groups"`
	Default         ActionConfig            `json:"default" yaml:"default"`
}

type RuleConfig struct {
	Group   string   `json:"group" yaml:"group"`
	Trigger string   `json:"trigger" yaml:"trigger"`
	Unlock  []string `json:"unlock" yaml:"unlock"`
	// Delay is in seconds.
	Delay float64 `json:"delay" yaml:"delay"`
}

type ActionConfig struct {
	Unlock []string `json:"unlock" yaml:"unlock"`
}

type DoorbellConfig struct {
	TriggerReasonCode int `json:"trigger_reason_code" yaml:"trigger_reason_code"`
	// ViewerGroups maps an intercom viewer device name to a logical group.
	ViewerGroups map[string]string `json:"viewer_groups" yaml:"viewer_groups"`
}

type ResolverConfig struct {
	Strategies    []string          `json:"strategies" yaml:"strategies"`
	UserOverrides map[string]string `json:"user_overrides" yaml:"user_overrides"`
	PolicyGroups  map[string]string `json:"policy_groups" yaml:"policy_groups"`
}

type SelfTriggerConfig struct {
	MarkerKey   string `json:"marker_key" yaml:"marker_key"`
	MarkerValue string `json:"marker_value" yaml:"marker_value"`
}

type DirectoryConfig struct {
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Key      string        `json:"key" yaml:"key"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type BroadcastConfig struct {
	Kafka KafkaPublishConfig `json:"kafka" yaml:"kafka"`
}

type KafkaPublishConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type HistoryConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const (
	StrategyGroupCache   = "group_cache"
	StrategyUserOverride = "user_override"
	StrategyPolicy       = "policy"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		UniFi:     UniFiConfig{Port: 12445, Timeout: 10 * time.Second},
		Ingest: IngestConfig{
			Webhook:   WebhookConfig{Enabled: true, Addr: ":8080"},
			WebSocket: WebSocketConfig{Enabled: false, ReconnectDelay: 5 * time.Second},
			Kafka:     KafkaConfig{Enabled: false},
			RegisterWebhook: RegisterWebhookConfig{
				Name:   "doorrelay",
				Events: []string{"access.door.unlock", "access.doorbell.completed", "access.doorbell.incoming"},
			},
		},
		Doorbell: DoorbellConfig{TriggerReasonCode: 107},
		Resolver: ResolverConfig{
			Strategies: []string{StrategyGroupCache, StrategyUserOverride, StrategyPolicy},
		},
		SelfTrigger: SelfTriggerConfig{MarkerKey: "doorrelay_source", MarkerValue: "auto_unlock"},
		Directory:   DirectoryConfig{RefreshInterval: 5 * time.Minute},
		API:         APIConfig{Enabled: true, Addr: ":8081"},
		Storage:     StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:doorrelay.db?_pragma=busy_timeout(5000)"},
		Redis:       RedisConfig{Enabled: false, Addr: "localhost:6379", Key: "doorrelay:stats", Interval: 30 * time.Second, TTL: 2 * time.Minute},
		History:     HistoryConfig{StoreLimit: 500},
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
		return nil, ErrEmpty
	}
	var decodeErr error
	if strings.EqualFold(filepath.Ext(path), ".jsonc") || looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal(jsonc.ToJSON([]byte(trimmed)), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
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
	if ext == ".json" || ext == ".jsonc" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
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

// applyEnv overlays DOORRELAY_* variables; a double underscore separates sections.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return err
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"})
}

func applyDefaults(cfg *Config) {
	if cfg.UniFi.Port <= 0 {
		cfg.UniFi.Port = 12445
	}
	if cfg.UniFi.Timeout <= 0 {
		cfg.UniFi.Timeout = 10 * time.Second
	}
	if cfg.Doorbell.TriggerReasonCode == 0 {
		cfg.Doorbell.TriggerReasonCode = 107
	}
	if len(cfg.Resolver.Strategies) == 0 {
		cfg.Resolver.Strategies = []string{StrategyGroupCache, StrategyUserOverride, StrategyPolicy}
	}
	if cfg.Directory.RefreshInterval <= 0 {
		cfg.Directory.RefreshInterval = 5 * time.Minute
	}
	if cfg.Ingest.WebSocket.ReconnectDelay <= 0 {
		cfg.Ingest.WebSocket.ReconnectDelay = 5 * time.Second
	}
	if cfg.History.StoreLimit <= 0 {
		cfg.History.StoreLimit = 500
	}
	if cfg.Redis.Key == "" {
		cfg.Redis.Key = "doorrelay:stats"
	}
	if cfg.Redis.Interval <= 0 {
		cfg.Redis.Interval = 30 * time.Second
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 2 * time.Minute
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Webhook.Enabled && cfg.Ingest.Webhook.Addr == "" {
		return errors.New("ingest.webhook.addr required when ingest.webhook.enabled is true")
	}
	if cfg.Ingest.WebSocket.Enabled && cfg.UniFi.Host == "" {
		return errors.New("unifi.host required when ingest.websocket.enabled is true")
	}
	if cfg.Ingest.RegisterWebhook.Enabled {
		if cfg.UniFi.Host == "" || cfg.Ingest.RegisterWebhook.URL == "" {
			return errors.New("ingest.register_webhook requires unifi.host and url")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Broadcast.Kafka.Enabled {
		if len(cfg.Broadcast.Kafka.Brokers) == 0 || cfg.Broadcast.Kafka.Topic == "" {
			return errors.New("broadcast.kafka requires brokers and topic")
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	if cfg.Doorbell.TriggerReasonCode < 0 {
		return fmt.Errorf("doorbell.trigger_reason_code must not be negative, got %d", cfg.Doorbell.TriggerReasonCode)
	}
	for _, name := range cfg.Resolver.Strategies {
		switch name {
		case StrategyGroupCache, StrategyUserOverride, StrategyPolicy:
		default:
			return fmt.Errorf("resolver.strategies contains unknown strategy %q", name)
		}
	}
	if err := validateRuleSet("unlock_rules", cfg.UnlockRules); err != nil {
		return err
	}
	return validateRuleSet("doorbell_rules", cfg.DoorbellRules)
}

func validateRuleSet(section string, rs RuleSetConfig) error {
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Group) == "" || strings.TrimSpace(r.Trigger) == "" {
			return fmt.Errorf("%s.rules[%d] requires group and trigger", section, i)
		}
		if len(r.Unlock) == 0 {
			return fmt.Errorf("%s.rules[%d] requires at least one unlock door", section, i)
		}
		if r.Delay < 0 {
			return fmt.Errorf("%s.rules[%d].delay must be >= 0", section, i)
		}
	}
	if len(rs.Groups) > 0 && strings.TrimSpace(rs.TriggerLocation) == "" {
		return fmt.Errorf("%s.groups requires trigger_location", section)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
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
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

// Watch polls the file's mtime and reloads on change until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
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
				m.touch()
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-ctx.Done():
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
