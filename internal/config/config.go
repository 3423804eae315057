// Package config loads the service configuration from an optional YAML
// file overlaid with FDT_-prefixed environment variables.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Storage    StorageConfig    `koanf:"storage"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Window     WindowConfig     `koanf:"window"`
	Retention  RetentionConfig  `koanf:"retention"`
	Anomaly    AnomalyConfig    `koanf:"anomaly"`
	Alerting   AlertingConfig   `koanf:"alerting"`
	Export     ExportConfig     `koanf:"export"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"` // duration string like "30s"
}

type AuthConfig struct {
	Scheme  string   `koanf:"scheme"` // api-key or bearer
	APIKeys []string `koanf:"api_keys"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
	BurstSize         int `koanf:"burst_size"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
}

type EncryptionConfig struct {
	// Key is the 32-byte at-rest key, raw, base64, or hex encoded.
	// Empty disables field encryption.
	Key string `koanf:"key"`
}

type WindowConfig struct {
	Size         string `koanf:"size"` // duration string
	MaxEvents    int    `koanf:"max_events"`
	MaxSnapshots int    `koanf:"max_snapshots"`
}

type RetentionConfig struct {
	Days int    `koanf:"days"`
	Spec string `koanf:"spec"` // cron spec for the sweep
}

type AnomalyConfig struct {
	DeviationThreshold float64 `koanf:"deviation_threshold"`
	DominanceShare     float64 `koanf:"dominance_share"`
	CacheTTL           string  `koanf:"cache_ttl"` // duration string
}

type AlertingConfig struct {
	SnapshotSpec string       `koanf:"snapshot_spec"`
	WebhookRetry int          `koanf:"webhook_retry"`
	Rules        []RuleConfig `koanf:"rules"`
}

type RuleConfig struct {
	ID        string          `koanf:"id"`
	Name      string          `koanf:"name"`
	Severity  string          `koanf:"severity"`
	Cooldown  string          `koanf:"cooldown"` // duration string
	Condition ConditionConfig `koanf:"condition"`
	Actions   []ActionConfig  `koanf:"actions"`
	Disabled  bool            `koanf:"disabled"`
}

type ConditionConfig struct {
	Type         string            `koanf:"type"`
	Metric       string            `koanf:"metric"`
	SecondMetric string            `koanf:"second_metric"`
	Operator     string            `koanf:"operator"`
	Value        float64           `koanf:"value"`
	Logic        string            `koanf:"logic"`
	Conditions   []ConditionConfig `koanf:"conditions"`
	MinSeverity  string            `koanf:"min_severity"`
}

type ActionConfig struct {
	Type    string            `koanf:"type"`
	URL     string            `koanf:"url"`
	To      string            `koanf:"to"`
	Handler string            `koanf:"handler"`
	Headers map[string]string `koanf:"headers"`
}

type ExportConfig struct {
	ServiceName         string `koanf:"service_name"`
	ServiceVersion      string `koanf:"service_version"`
	RowGroupSize        int    `koanf:"row_group_size"`
	DictionaryThreshold int    `koanf:"dictionary_threshold"`
	Gzip                bool   `koanf:"gzip"`
}

type TelemetryConfig struct {
	TracingEnabled bool `koanf:"tracing_enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is fine) then overlays FDT_ environment
// variables; FDT_SERVER__PORT maps to server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("FDT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FDT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "30s",
		"auth.scheme":            "api-key",
		"storage.driver":         "sqlite",
		"storage.dsn":            "file:telemetry.db",
		"window.size":            "5m",
		"window.max_events":      10000,
		"retention.days":         30,
		"retention.spec":         "@every 1h",
		"alerting.snapshot_spec": "@every 30s",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secrets are usually referenced as ${VAR} from the file.
	for i := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i] = substituteEnvVars(cfg.Auth.APIKeys[i])
	}
	cfg.Encryption.Key = substituteEnvVars(cfg.Encryption.Key)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Duration parses a duration field, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DomainRules converts the configured alert rules into domain rules.
func (c *AlertingConfig) DomainRules() []*domain.AlertRule {
	out := make([]*domain.AlertRule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		out = append(out, rc.toDomain())
	}
	return out
}

func (rc RuleConfig) toDomain() *domain.AlertRule {
	return &domain.AlertRule{
		ID:         rc.ID,
		Name:       rc.Name,
		Severity:   domain.Severity(rc.Severity),
		Condition:  rc.Condition.toDomain(),
		CooldownMS: Duration(rc.Cooldown, 0).Milliseconds(),
		Actions:    toActions(rc.Actions),
		Enabled:    !rc.Disabled,
	}
}

func (cc ConditionConfig) toDomain() domain.AlertCondition {
	cond := domain.AlertCondition{
		Type:         domain.ConditionType(cc.Type),
		Metric:       cc.Metric,
		SecondMetric: cc.SecondMetric,
		Operator:     cc.Operator,
		Value:        cc.Value,
		Logic:        domain.CompositeLogic(cc.Logic),
		MinSeverity:  domain.Severity(cc.MinSeverity),
	}
	for _, sub := range cc.Conditions {
		cond.Conditions = append(cond.Conditions, sub.toDomain())
	}
	return cond
}

func toActions(actions []ActionConfig) []domain.AlertAction {
	out := make([]domain.AlertAction, 0, len(actions))
	for _, ac := range actions {
		out = append(out, domain.AlertAction{
			Type:    domain.ActionType(ac.Type),
			URL:     ac.URL,
			To:      ac.To,
			Handler: ac.Handler,
			Headers: ac.Headers,
		})
	}
	return out
}
