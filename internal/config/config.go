package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BlobBackendFile  = "file"
	BlobBackendMinio = "minio"
)

type Config struct {
	RPC      RPCConfig     `yaml:"rpc"`
	Storage  StorageConfig `yaml:"storage"`
	Engines  EnginesConfig `yaml:"engines"`
	Archive  ArchiveConfig `yaml:"archive"`
	LogLevel string        `yaml:"logLevel"`
}

type RPCConfig struct {
	Addr           string    `yaml:"addr"`
	Token          string    `yaml:"token"`
	Limit          RateLimit `yaml:"rateLimit"`
	AllowedOrigins []string  `yaml:"allowedOrigins"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StorageConfig struct {
	DataDir     string        `yaml:"dataDir"`
	Secret      string        `yaml:"secret"`
	BlobBackend string        `yaml:"blobBackend"`
	BlobTimeout time.Duration `yaml:"blobTimeout"`
	Minio       MinioConfig   `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"useSSL"`
}

type EnginesConfig struct {
	WorkflowURL  string        `yaml:"workflowURL"`
	DecisionURL  string        `yaml:"decisionURL"`
	FormsURL     string        `yaml:"formsURL"`
	Token        string        `yaml:"token"`
	CallTimeout  time.Duration `yaml:"callTimeout"`
	Limit        RateLimit     `yaml:"rateLimit"`
	Compensation string        `yaml:"compensation"`
}

type ArchiveConfig struct {
	MaxEntries           int   `yaml:"maxEntries"`
	MaxUncompressedBytes int64 `yaml:"maxUncompressedBytes"`
}

func Default() Config {
	useSSL := false
	return Config{
		RPC: RPCConfig{
			Addr:  "127.0.0.1:8787",
			Limit: RateLimit{RPS: 20, Burst: 40},
		},
		Storage: StorageConfig{
			DataDir:     "data",
			BlobBackend: BlobBackendFile,
			BlobTimeout: 30 * time.Second,
			Minio:       MinioConfig{Bucket: "bundles", UseSSL: &useSSL},
		},
		Engines: EnginesConfig{
			WorkflowURL:  "http://localhost:8081",
			DecisionURL:  "http://localhost:8084",
			FormsURL:     "http://localhost:8083",
			CallTimeout:  30 * time.Second,
			Limit:        RateLimit{RPS: 10, Burst: 10},
			Compensation: "forward_only",
		},
		Archive: ArchiveConfig{
			MaxEntries:           1024,
			MaxUncompressedBytes: 64 << 20,
		},
		LogLevel: "info",
	}
}

// LoadFromPath reads the first readable candidate file, merges it over the
// defaults and applies BUNDLE_* environment overrides. Without an explicit
// path a missing file is not an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	explicit := strings.TrimSpace(configPath) != ""
	if explicit {
		candidates = append(candidates, strings.TrimSpace(configPath))
	} else {
		candidates = append(candidates,
			"configs/bundle-daemon.yaml",
			"go-backend/configs/bundle-daemon.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Merge copies every non-zero field of src over dst.
func Merge(dst *Config, src Config) {
	setString(&dst.RPC.Addr, src.RPC.Addr)
	setString(&dst.RPC.Token, src.RPC.Token)
	mergeLimit(&dst.RPC.Limit, src.RPC.Limit)
	if len(src.RPC.AllowedOrigins) > 0 {
		dst.RPC.AllowedOrigins = append([]string(nil), src.RPC.AllowedOrigins...)
	}

	setString(&dst.Storage.DataDir, src.Storage.DataDir)
	setString(&dst.Storage.Secret, src.Storage.Secret)
	setString(&dst.Storage.BlobBackend, src.Storage.BlobBackend)
	if src.Storage.BlobTimeout != 0 {
		dst.Storage.BlobTimeout = src.Storage.BlobTimeout
	}
	setString(&dst.Storage.Minio.Endpoint, src.Storage.Minio.Endpoint)
	setString(&dst.Storage.Minio.Bucket, src.Storage.Minio.Bucket)
	setString(&dst.Storage.Minio.AccessKey, src.Storage.Minio.AccessKey)
	setString(&dst.Storage.Minio.SecretKey, src.Storage.Minio.SecretKey)
	setString(&dst.Storage.Minio.Prefix, src.Storage.Minio.Prefix)
	if src.Storage.Minio.UseSSL != nil {
		v := *src.Storage.Minio.UseSSL
		dst.Storage.Minio.UseSSL = &v
	}

	setString(&dst.Engines.WorkflowURL, src.Engines.WorkflowURL)
	setString(&dst.Engines.DecisionURL, src.Engines.DecisionURL)
	setString(&dst.Engines.FormsURL, src.Engines.FormsURL)
	setString(&dst.Engines.Token, src.Engines.Token)
	if src.Engines.CallTimeout != 0 {
		dst.Engines.CallTimeout = src.Engines.CallTimeout
	}
	mergeLimit(&dst.Engines.Limit, src.Engines.Limit)
	setString(&dst.Engines.Compensation, src.Engines.Compensation)

	if src.Archive.MaxEntries != 0 {
		dst.Archive.MaxEntries = src.Archive.MaxEntries
	}
	if src.Archive.MaxUncompressedBytes != 0 {
		dst.Archive.MaxUncompressedBytes = src.Archive.MaxUncompressedBytes
	}
	setString(&dst.LogLevel, src.LogLevel)
}

func setString(dst *string, src string) {
	if v := strings.TrimSpace(src); v != "" {
		*dst = v
	}
}

func mergeLimit(dst *RateLimit, src RateLimit) {
	if src.RPS != 0 {
		dst.RPS = src.RPS
	}
	if src.Burst != 0 {
		dst.Burst = src.Burst
	}
}

func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.RPC.Addr, envString("BUNDLE_RPC_ADDR"))
	setString(&cfg.RPC.Token, envString("BUNDLE_RPC_TOKEN"))
	cfg.RPC.Limit.RPS = envFloatWithFallback("BUNDLE_RPC_RPS", cfg.RPC.Limit.RPS)
	cfg.RPC.Limit.Burst = envIntWithFallback("BUNDLE_RPC_BURST", cfg.RPC.Limit.Burst)
	if origins := envList("BUNDLE_RPC_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.RPC.AllowedOrigins = origins
	}

	setString(&cfg.Storage.DataDir, envString("BUNDLE_DATA_DIR"))
	setString(&cfg.Storage.Secret, envString("BUNDLE_STORAGE_SECRET"))
	setString(&cfg.Storage.BlobBackend, envString("BUNDLE_BLOB_BACKEND"))
	cfg.Storage.BlobTimeout = envDurationWithFallback("BUNDLE_BLOB_TIMEOUT", cfg.Storage.BlobTimeout)
	setString(&cfg.Storage.Minio.Endpoint, envString("BUNDLE_MINIO_ENDPOINT"))
	setString(&cfg.Storage.Minio.Bucket, envString("BUNDLE_MINIO_BUCKET"))
	setString(&cfg.Storage.Minio.AccessKey, envString("BUNDLE_MINIO_ACCESS_KEY"))
	setString(&cfg.Storage.Minio.SecretKey, envString("BUNDLE_MINIO_SECRET_KEY"))
	setString(&cfg.Storage.Minio.Prefix, envString("BUNDLE_MINIO_PREFIX"))
	if envString("BUNDLE_MINIO_USE_SSL") != "" {
		v := envBoolWithFallback("BUNDLE_MINIO_USE_SSL", cfg.Storage.Minio.SSL())
		cfg.Storage.Minio.UseSSL = &v
	}

	setString(&cfg.Engines.WorkflowURL, envString("BUNDLE_WORKFLOW_URL"))
	setString(&cfg.Engines.DecisionURL, envString("BUNDLE_DECISION_URL"))
	setString(&cfg.Engines.FormsURL, envString("BUNDLE_FORMS_URL"))
	setString(&cfg.Engines.Token, envString("BUNDLE_ENGINE_TOKEN"))
	cfg.Engines.CallTimeout = envDurationWithFallback("BUNDLE_ENGINE_TIMEOUT", cfg.Engines.CallTimeout)
	cfg.Engines.Limit.RPS = envFloatWithFallback("BUNDLE_ENGINE_RPS", cfg.Engines.Limit.RPS)
	cfg.Engines.Limit.Burst = envIntWithFallback("BUNDLE_ENGINE_BURST", cfg.Engines.Limit.Burst)
	setString(&cfg.Engines.Compensation, envString("BUNDLE_COMPENSATION"))

	cfg.Archive.MaxEntries = envBoundedIntWithFallback("BUNDLE_ARCHIVE_MAX_ENTRIES", cfg.Archive.MaxEntries, 1, 1<<16)
	setString(&cfg.LogLevel, envString("BUNDLE_LOG_LEVEL"))
}

func (m MinioConfig) SSL() bool {
	return m.UseSSL != nil && *m.UseSSL
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RPC.Addr) == "" {
		errs = append(errs, errors.New("rpc.addr is required"))
	}
	switch c.Storage.BlobBackend {
	case BlobBackendFile:
		if strings.TrimSpace(c.Storage.DataDir) == "" {
			errs = append(errs, errors.New("storage.dataDir is required"))
		}
	case BlobBackendMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			errs = append(errs, errors.New("storage.minio endpoint and bucket are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.blobBackend %q must be %s or %s", c.Storage.BlobBackend, BlobBackendFile, BlobBackendMinio))
	}
	for name, raw := range map[string]string{
		"engines.workflowURL": c.Engines.WorkflowURL,
		"engines.decisionURL": c.Engines.DecisionURL,
		"engines.formsURL":    c.Engines.FormsURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an http(s) url", name, raw))
		}
	}
	if c.Engines.CallTimeout <= 0 {
		errs = append(errs, errors.New("engines.callTimeout must be positive"))
	}
	return errors.Join(errs...)
}
