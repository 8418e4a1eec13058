package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     string         `yaml:"port"`
	LogMode  string         `yaml:"log_mode"`
	Database DatabaseConfig `yaml:"database"`
	Cases    CasesConfig    `yaml:"cases"`
	Agents   AgentsConfig   `yaml:"agents"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// DatabaseConfig: an empty URL selects the in-memory session store.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MigrationsPath string `yaml:"migrations_path"`
}

type CasesConfig struct {
	// Source is "dir", "s3" or "postgres". Empty picks s3 when a bucket is set, dir otherwise.
	Source     string `yaml:"source"`
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

type AgentsConfig struct {
	PatientURL        string `yaml:"patient_url"`
	TutorURL          string `yaml:"tutor_url"`
	DiagnosticURL     string `yaml:"diagnostic_url"`
	PhysiologyURL     string `yaml:"physiology_url"`
	EvaluatorURL      string `yaml:"evaluator_url"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	PhysiologySeconds int    `yaml:"physiology_timeout_seconds"`
	EvaluatorSeconds  int    `yaml:"evaluator_timeout_seconds"`
}

func (a AgentsConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AgentsConfig) PhysiologyTimeout() time.Duration {
	return time.Duration(a.PhysiologySeconds) * time.Second
}

func (a AgentsConfig) EvaluatorTimeout() time.Duration {
	return time.Duration(a.EvaluatorSeconds) * time.Second
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

type TelegramConfig struct {
	BotToken         string `yaml:"bot_token"`
	InstructorChatID int64  `yaml:"instructor_chat_id"`
}

func Default() *Config {
	return &Config{
		Port:     "8080",
		LogMode:  "dev",
		Database: DatabaseConfig{MigrationsPath: "file://migrations"},
		Cases:    CasesConfig{Dir: "cases"},
		Agents: AgentsConfig{
			TimeoutSeconds:    20,
			PhysiologySeconds: 10,
			EvaluatorSeconds:  60,
		},
		Kafka: KafkaConfig{Topic: "clinical-sim.session-actions"},
	}
}

// Load reads the YAML file at path, when present, then applies environment
// overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_MODE", &c.LogMode)
	str("DATABASE_URL", &c.Database.URL)
	str("MIGRATIONS_PATH", &c.Database.MigrationsPath)
	str("CASES_SOURCE", &c.Cases.Source)
	str("CASES_DIR", &c.Cases.Dir)
	str("CASES_S3_BUCKET", &c.Cases.S3Bucket)
	str("CASES_S3_PREFIX", &c.Cases.S3Prefix)
	str("CASES_S3_ENDPOINT", &c.Cases.S3Endpoint)
	str("PATIENT_AGENT_URL", &c.Agents.PatientURL)
	str("TUTOR_AGENT_URL", &c.Agents.TutorURL)
	str("DIAGNOSTIC_AGENT_URL", &c.Agents.DiagnosticURL)
	str("PHYSIOLOGY_AGENT_URL", &c.Agents.PhysiologyURL)
	str("EVALUATOR_AGENT_URL", &c.Agents.EvaluatorURL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)

	ints := []struct {
		key string
		dst *int
	}{
		{"AGENT_TIMEOUT_SECONDS", &c.Agents.TimeoutSeconds},
		{"PHYSIOLOGY_TIMEOUT_SECONDS", &c.Agents.PhysiologySeconds},
		{"EVALUATOR_TIMEOUT_SECONDS", &c.Agents.EvaluatorSeconds},
	}
	for _, it := range ints {
		v, ok := os.LookupEnv(it.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", it.key, v)
		}
		*it.dst = n
	}

	if v, ok := os.LookupEnv("INSTRUCTOR_CHAT_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("INSTRUCTOR_CHAT_ID must be an integer, got %q", v)
		}
		c.Telegram.InstructorChatID = id
	}
	return nil
}

// CaseSource resolves which case source to use.
func (c CasesConfig) CaseSource() string {
	if c.Source != "" {
		return strings.ToLower(c.Source)
	}
	if c.S3Bucket != "" {
		return "s3"
	}
	return "dir"
}
