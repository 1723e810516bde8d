package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	// DriverS3 stores objects through the S3 API.
	DriverS3 = "s3"
	// DriverBlob stores objects through a gocloud bucket URL (file://, gs://, mem://).
	DriverBlob = "blob"

	envPrefix = "STACDC_"
)

// StorageConfig ...
type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Host      string `yaml:"host"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	URL       string `yaml:"url"`
	Retries   int    `yaml:"retries"`
}

// LockConfig ...
type LockConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
	MaxRetries int `yaml:"maxRetries"`
}

// CatalogueConfig ...
type CatalogueConfig struct {
	Host               string `yaml:"host"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	AssetDownloadRoot  string `yaml:"assetDownloadRoot"`
	TemplateDir        string `yaml:"templateDir"`
	MaxRetries         int    `yaml:"maxRetries"`
	MaxConflictRetries int    `yaml:"maxConflictRetries"`
	TimeoutSeconds     int    `yaml:"timeoutSeconds"`
}

// CDSConfig - climate data store retrieve API.
type CDSConfig struct {
	URL                 string  `yaml:"url"`
	Key                 string  `yaml:"key"`
	PollIntervalSeconds int     `yaml:"pollIntervalSeconds"`
	TimeoutSeconds      int     `yaml:"timeoutSeconds"`
	MaxRetries          int     `yaml:"maxRetries"`
	RequestsPerSecond   float64 `yaml:"requestsPerSecond"`
}

// ScheduleConfig ...
type ScheduleConfig struct {
	Hour               int   `yaml:"hour"`
	Minute             int   `yaml:"minute"`
	MaxRetries         int   `yaml:"maxRetries"`
	RetryDelaysSeconds []int `yaml:"retryDelaysSeconds"`
}

// WorkerConfig describes one (dataset, AOI) pair.
type WorkerConfig struct {
	Dataset              string   `yaml:"dataset"`
	AOI                  string   `yaml:"aoi"`
	Formats              []string `yaml:"formats"`
	RedownloadWindowDays int      `yaml:"redownloadWindowDays"`
	RecentDays           int      `yaml:"recentDays"`
	ThresholdWindow      int      `yaml:"thresholdWindow"`
	RecatalogizeOnly     bool     `yaml:"recatalogizeOnly"`
	Concurrency          int      `yaml:"concurrency"`
}

// Worker defaults. An explicit zero in YAML is kept.
const (
	defaultRedownloadWindowDays = 91
	defaultRecentDays           = 10
	defaultConcurrency          = 4
)

// UnmarshalYAML fills the worker defaults before decoding, so only omitted keys take them.
func (w *WorkerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain WorkerConfig
	*w = WorkerConfig{
		RedownloadWindowDays: defaultRedownloadWindowDays,
		RecentDays:           defaultRecentDays,
		Concurrency:          defaultConcurrency,
	}
	if err := unmarshal((*plain)(w)); err != nil {
		return err
	}
	if len(w.Formats) == 0 {
		w.Formats = []string{"grib"}
	}
	return nil
}

// AOIConfig - bbox is south, west, north, east in degrees.
type AOIConfig struct {
	Name string     `yaml:"name"`
	BBox [4]float64 `yaml:"bbox"`
}

// AppConfig ...
type AppConfig struct {
	App struct {
		Name     string `yaml:"name"`
		LogLevel string `yaml:"loglevel"`
	} `yaml:"app"`
	Storage   StorageConfig   `yaml:"storage"`
	Lock      LockConfig      `yaml:"lock"`
	Catalogue CatalogueConfig `yaml:"catalogue"`
	CDS       CDSConfig       `yaml:"cds"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Workers   []WorkerConfig  `yaml:"workers"`
	AOIs      []AOIConfig     `yaml:"aois"`
	Journal   struct {
		DSN             string `yaml:"dsn"`
		ExpirationHours int    `yaml:"expirationHours"`
	} `yaml:"journal"`
	Notify struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
		URL                string `yaml:"url"`
		Name               string `yaml:"name"`
		Retries            int    `yaml:"retries"`
	} `yaml:"notify"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Chaos struct {
		StorageErrorRate float64 `yaml:"storageErrorRate"`
	} `yaml:"chaos"`
}

// Default returns an AppConfig with production defaults.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.App.Name = "stacdc"
	cfg.App.LogLevel = "info"
	cfg.Storage.Driver = DriverS3
	cfg.Storage.Region = "us-east-1"
	cfg.Storage.Retries = 3
	cfg.Lock = LockConfig{TTLSeconds: 120, MaxRetries: 10}
	cfg.Catalogue.MaxRetries = 5
	cfg.Catalogue.MaxConflictRetries = 3
	cfg.Catalogue.TimeoutSeconds = 10
	cfg.CDS = CDSConfig{
		URL:                 "https://cds.climate.copernicus.eu/api",
		PollIntervalSeconds: 30,
		TimeoutSeconds:      60,
		MaxRetries:          5,
		RequestsPerSecond:   1,
	}
	cfg.Schedule = ScheduleConfig{
		Hour:               9,
		Minute:             0,
		MaxRetries:         5,
		RetryDelaysSeconds: []int{600, 1800, 3600, 7200, 14400, 28800},
	}
	cfg.Journal.ExpirationHours = 24 * 30
	cfg.Metrics.Addr = ":2112"
	return cfg
}

// Read loads the YAML file named by CFG_PATH on top of Default and applies
// STACDC_* environment overrides.
func Read() (*AppConfig, error) {
	filename := os.Getenv("CFG_PATH")
	if filename == "" {
		return nil, errors.New("config: CFG_PATH is not set")
	}
	buff, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(buff)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Workers get their defaults while decoding.
func Parse(buff []byte) (*AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buff, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overrides endpoints and secrets from STACDC_* variables.
func (c *AppConfig) LoadFromEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":               &c.App.LogLevel,
		"STORAGE_DRIVER":          &c.Storage.Driver,
		"STORAGE_URL":             &c.Storage.URL,
		"S3_HOST":                 &c.Storage.Host,
		"S3_BUCKET":               &c.Storage.Bucket,
		"S3_ACCESS_KEY":           &c.Storage.AccessKey,
		"S3_SECRET_KEY":           &c.Storage.SecretKey,
		"CATALOGUE_HOST":          &c.Catalogue.Host,
		"CATALOGUE_USERNAME":      &c.Catalogue.Username,
		"CATALOGUE_PASSWORD":      &c.Catalogue.Password,
		"CATALOGUE_DOWNLOAD_ROOT": &c.Catalogue.AssetDownloadRoot,
		"CDS_URL":                 &c.CDS.URL,
		"CDS_KEY":                 &c.CDS.Key,
		"JOURNAL_DSN":             &c.Journal.DSN,
		"METRICS_ADDR":            &c.Metrics.Addr,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SCHEDULE_HOUR":     &c.Schedule.Hour,
		"SCHEDULE_MINUTE":   &c.Schedule.Minute,
		"LOCK_TTL_SECONDS":  &c.Lock.TTLSeconds,
		"LOCK_MAX_RETRIES":  &c.Lock.MaxRetries,
		"SCHEDULE_RETRIES":  &c.Schedule.MaxRetries,
		"CATALOGUE_RETRIES": &c.Catalogue.MaxRetries,
	}
	for name, dst := range ints {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports configuration that can never work. Errors here are fatal at startup.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverS3:
		if c.Storage.Host == "" {
			return errors.New("config: storage.host is required for the s3 driver")
		}
		if c.Storage.Bucket == "" {
			return errors.New("config: storage.bucket is required for the s3 driver")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return errors.New("config: storage credentials are required for the s3 driver")
		}
	case DriverBlob:
		if c.Storage.URL == "" {
			return errors.New("config: storage.url is required for the blob driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Lock.TTLSeconds <= 0 || c.Lock.MaxRetries <= 0 {
		return errors.New("config: lock ttlSeconds and maxRetries must be positive")
	}
	if c.Catalogue.Host == "" {
		return errors.New("config: catalogue.host is required")
	}
	if c.Catalogue.Username == "" || c.Catalogue.Password == "" {
		return errors.New("config: catalogue credentials are required")
	}
	if c.Catalogue.MaxConflictRetries <= 0 {
		return errors.New("config: catalogue.maxConflictRetries must be positive")
	}
	if c.CDS.Key == "" {
		return errors.New("config: cds.key is required")
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 || c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		return fmt.Errorf("config: invalid schedule time %02d:%02d", c.Schedule.Hour, c.Schedule.Minute)
	}
	if c.Schedule.MaxRetries <= 0 {
		return errors.New("config: schedule.maxRetries must be positive")
	}
	if len(c.Schedule.RetryDelaysSeconds) == 0 {
		return errors.New("config: schedule.retryDelaysSeconds must not be empty")
	}
	if len(c.Workers) == 0 {
		return errors.New("config: at least one worker is required")
	}
	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w.Dataset == "" || w.AOI == "" {
			return errors.New("config: every worker needs dataset and aoi")
		}
		key := w.Dataset + "/" + w.AOI
		if seen[key] {
			return fmt.Errorf("config: duplicate worker %s", key)
		}
		seen[key] = true
		if w.RecentDays < 0 || w.ThresholdWindow < 0 || w.RedownloadWindowDays < 0 {
			return fmt.Errorf("config: worker %s has negative window parameters", key)
		}
	}
	for _, a := range c.AOIs {
		if a.Name == "" {
			return errors.New("config: aoi name is required")
		}
	}
	if c.Chaos.StorageErrorRate < 0 || c.Chaos.StorageErrorRate > 1 {
		return errors.New("config: chaos.storageErrorRate must be within [0, 1]")
	}
	return nil
}

// CheckNames fails on workers that refer to a dataset or AOI nobody registered.
func (c *AppConfig) CheckNames(datasets, aois []string) error {
	known := func(names []string, name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, w := range c.Workers {
		if !known(datasets, w.Dataset) {
			return fmt.Errorf("config: unknown dataset %q", w.Dataset)
		}
		if !known(aois, w.AOI) {
			return fmt.Errorf("config: unknown aoi %q", w.AOI)
		}
	}
	return nil
}
