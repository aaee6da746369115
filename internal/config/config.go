// Package config loads the server's YAML configuration file, applies
// environment variable overrides, and fills in defaults in a
// load-then-override-then-default pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface: the core
// fields (ConnectionString, Server.Port, the three AI.* model paths)
// plus the ambient config every long-running service carries
// alongside its domain settings.
type Config struct {
	ConnectionString string `yaml:"connection_string"`

	Server     ServerConfig     `yaml:"server"`
	AI         AIConfig         `yaml:"ai"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	MinIO      MinIOConfig      `yaml:"minio"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// AIConfig carries the three opaque model paths, relative to the
// binary unless absolute.
type AIConfig struct {
	FaceDetection  string `yaml:"face_detection"`
	FaceRecognition string `yaml:"face_recognition"`
	AntiSpoof      string `yaml:"anti_spoof"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

// RecognitionConfig holds the model-dependent thresholds plus the
// recognize_with_liveness policy.
type RecognitionConfig struct {
	MatchThreshold    float32 `yaml:"match_threshold"`
	DetectThreshold   float32 `yaml:"detect_threshold"`
	LivenessThreshold float32 `yaml:"liveness_threshold"`
	// RecognizeWithLiveness is a pointer so an absent YAML key is
	// distinguishable from an explicit `false`; setDefaults fills the
	// default of true only when this is nil.
	RecognizeWithLiveness *bool `yaml:"recognize_with_liveness"`
}

// WithLiveness reports the decided recognize_with_liveness value.
func (r RecognitionConfig) WithLiveness() bool {
	return r.RecognizeWithLiveness == nil || *r.RecognizeWithLiveness
}

type EnrollmentConfig struct {
	ShotsRequired int `yaml:"shots_required"`
	TimeoutSec    int `yaml:"timeout_sec"`
}

type ReconcilerConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies FACEGATE_* environment
// overrides, and fills any field left at its zero value with a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators override file values without
// editing the YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACEGATE_CONNECTION_STRING"); v != "" {
		cfg.ConnectionString = v
	}
	if v := os.Getenv("FACEGATE_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FACEGATE_AI_FACE_DETECTION"); v != "" {
		cfg.AI.FaceDetection = v
	}
	if v := os.Getenv("FACEGATE_AI_FACE_RECOGNITION"); v != "" {
		cfg.AI.FaceRecognition = v
	}
	if v := os.Getenv("FACEGATE_AI_ANTI_SPOOF"); v != "" {
		cfg.AI.AntiSpoof = v
	}
	if v := os.Getenv("FACEGATE_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FACEGATE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FACEGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.AI.IntraOpThreads == 0 {
		cfg.AI.IntraOpThreads = 1
	}
	if cfg.AI.InterOpThreads == 0 {
		cfg.AI.InterOpThreads = 1
	}
	if cfg.Recognition.MatchThreshold == 0 {
		cfg.Recognition.MatchThreshold = 0.30
	}
	if cfg.Recognition.DetectThreshold == 0 {
		cfg.Recognition.DetectThreshold = 0.6
	}
	if cfg.Recognition.LivenessThreshold == 0 {
		cfg.Recognition.LivenessThreshold = 0.30
	}
	if cfg.Enrollment.ShotsRequired == 0 {
		cfg.Enrollment.ShotsRequired = 2
	}
	if cfg.Enrollment.TimeoutSec == 0 {
		cfg.Enrollment.TimeoutSec = 60
	}
	if cfg.Reconciler.IntervalSec == 0 {
		cfg.Reconciler.IntervalSec = 30
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "facegate"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	cfg.ConnectionString = strings.TrimSpace(cfg.ConnectionString)
}
