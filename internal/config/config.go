// Package config loads formsync settings from defaults, an optional YAML file
// and FORMSYNC_* environment variables, in that order.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/oneblink/formsync/internal/logging"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://formsync.oneblink.io/config.schema.json"

const envPrefix = "FORMSYNC_"

type Config struct {
	APIOrigin           string        `yaml:"apiOrigin"`
	Region              string        `yaml:"region"`
	FormsAppID          int64         `yaml:"formsAppId"`
	StorageDSN          string        `yaml:"storageDsn"`
	ChunkThreshold      int           `yaml:"chunkThreshold"`
	MinFreeDiskBytes    uint64        `yaml:"minFreeDiskBytes"`
	ListenAddr          string        `yaml:"listenAddr"`
	ConnectivityURL     string        `yaml:"connectivityUrl"`
	SyncInterval        time.Duration `yaml:"syncInterval"`
	IntervalJitter      float64       `yaml:"intervalJitter"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
	PendingQueueEnabled bool          `yaml:"pendingQueueEnabled"`
	AlwaysQueue         bool          `yaml:"alwaysQueue"`
	FormsKeyID          string        `yaml:"formsKeyId"`
	FormsKeySecret      string        `yaml:"formsKeySecret"`
	AccessTokenFile     string        `yaml:"accessTokenFile"`
	ControlSecret       string        `yaml:"controlSecret"`
	LogLevel            string        `yaml:"logLevel"`
	LogBufferBytes      int           `yaml:"logBufferBytes"`
}

func Default() Config {
	return Config{
		APIOrigin:           "https://auth-api.blinkm.io",
		Region:              "ap-southeast-2",
		StorageDSN:          "formsync-data",
		ChunkThreshold:      16 * 1024,
		ListenAddr:          "127.0.0.1:8787",
		SyncInterval:        time.Minute,
		IntervalJitter:      0.2,
		RequestTimeout:      30 * time.Second,
		PendingQueueEnabled: true,
		LogLevel:            "info",
		LogBufferBytes:      256 * 1024,
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, logging.Warn())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw != nil {
		if err := validateSchema(raw); err != nil {
			return err
		}
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func validateSchema(raw map[string]any) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	// round trip through JSON so numbers reach the validator as json.Number
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
}

// Validate checks the settings the schema cannot express or that came from
// the environment.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StorageDSN) == "" {
		errs = append(errs, errors.New("storageDsn is required"))
	}
	if c.ChunkThreshold <= 0 {
		errs = append(errs, errors.New("chunkThreshold must be positive"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("syncInterval must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("requestTimeout must be positive"))
	}
	if (c.FormsKeyID == "") != (c.FormsKeySecret == "") {
		errs = append(errs, errors.New("formsKeyId and formsKeySecret must be set together"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyEnv overlays FORMSYNC_<NAME> variables. Unparseable values are logged
// and ignored.
func applyEnv(cfg *Config, logger logging.Logger) {
	cfg.APIOrigin = envOrDefault(envPrefix+"API_ORIGIN", cfg.APIOrigin)
	cfg.Region = envOrDefault(envPrefix+"REGION", cfg.Region)
	cfg.FormsAppID = int64Env(logger, envPrefix+"FORMS_APP_ID", cfg.FormsAppID)
	cfg.StorageDSN = envOrDefault(envPrefix+"STORAGE_DSN", cfg.StorageDSN)
	cfg.ChunkThreshold = intEnv(logger, envPrefix+"CHUNK_THRESHOLD", cfg.ChunkThreshold)
	cfg.MinFreeDiskBytes = uint64(int64Env(logger, envPrefix+"MIN_FREE_DISK_BYTES", int64(cfg.MinFreeDiskBytes)))
	cfg.ListenAddr = envOrDefault(envPrefix+"LISTEN_ADDR", cfg.ListenAddr)
	cfg.ConnectivityURL = envOrDefault(envPrefix+"CONNECTIVITY_URL", cfg.ConnectivityURL)
	cfg.SyncInterval = durationEnv(logger, envPrefix+"SYNC_INTERVAL", cfg.SyncInterval)
	cfg.IntervalJitter = floatEnv(logger, envPrefix+"INTERVAL_JITTER", cfg.IntervalJitter)
	cfg.RequestTimeout = durationEnv(logger, envPrefix+"REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PendingQueueEnabled = boolEnv(logger, envPrefix+"PENDING_QUEUE_ENABLED", cfg.PendingQueueEnabled)
	cfg.AlwaysQueue = boolEnv(logger, envPrefix+"ALWAYS_QUEUE", cfg.AlwaysQueue)
	cfg.FormsKeyID = envOrDefault(envPrefix+"FORMS_KEY_ID", cfg.FormsKeyID)
	cfg.FormsKeySecret = envOrDefault(envPrefix+"FORMS_KEY_SECRET", cfg.FormsKeySecret)
	cfg.AccessTokenFile = envOrDefault(envPrefix+"ACCESS_TOKEN_FILE", cfg.AccessTokenFile)
	cfg.ControlSecret = envOrDefault(envPrefix+"CONTROL_SECRET", cfg.ControlSecret)
	cfg.LogLevel = envOrDefault(envPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogBufferBytes = intEnv(logger, envPrefix+"LOG_BUFFER_BYTES", cfg.LogBufferBytes)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger logging.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger logging.Logger, name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		logger.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger logging.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger logging.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger logging.Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
