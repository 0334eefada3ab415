// Package config loads dynaplan settings and the model catalog from YAML
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/validation"
)

// Config is the full dynaplan configuration
type Config struct {
	AWS         AWS                `yaml:"aws"`
	Scan        Scan               `yaml:"scan"`
	Batch       Batch              `yaml:"batch"`
	Transaction Transaction        `yaml:"transaction"`
	Join        Join               `yaml:"join"`
	Logging     Logging            `yaml:"logging"`
	Models      []core.ModelSchema `yaml:"models" validate:"dive"`
}

// AWS holds client settings. Static credentials are meant for local endpoints.
type AWS struct {
	Region          string `yaml:"region" validate:"required"`
	Endpoint        string `yaml:"endpoint,omitempty" validate:"omitempty,url"`
	MaxRetries      int    `yaml:"maxRetries" validate:"gte=0,lte=20"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty" validate:"required_with=AccessKeyID"`
	SessionToken    string `yaml:"sessionToken,omitempty"`
}

// Scan bounds full-table scans
type Scan struct {
	// PageSize is the per-page item limit; 0 leaves it to the store
	PageSize  int  `yaml:"pageSize" validate:"gte=0"`
	MaxPages  int  `yaml:"maxPages" validate:"gte=1"`
	Unbounded bool `yaml:"unbounded"`
}

// Batch configures the batch loader
type Batch struct {
	MaxSize           int           `yaml:"maxSize" validate:"gte=1,lte=100"`
	MaxRetries        int           `yaml:"maxRetries" validate:"gte=0"`
	InitialDelay      time.Duration `yaml:"initialDelay" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"maxDelay" validate:"gtefield=InitialDelay"`
	BackoffFactor     float64       `yaml:"backoffFactor" validate:"gte=1"`
	Jitter            float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	Window            time.Duration `yaml:"window" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" validate:"gte=0"`
}

// Transaction configures the write buffer
type Transaction struct {
	MaxOperations int `yaml:"maxOperations" validate:"gte=1,lte=25"`
}

// Join configures join resolution
type Join struct {
	// Concurrency > 1 runs per-value join queries on a bounded pool
	Concurrency int `yaml:"concurrency" validate:"gte=0"`
}

// Logging configures the zerolog logger
type Logging struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Default returns the default configuration with an empty catalog
func Default() *Config {
	return &Config{
		AWS: AWS{
			Region:     "us-east-1",
			MaxRetries: 3,
		},
		Scan: Scan{MaxPages: 100},
		Batch: Batch{
			MaxSize:       100,
			MaxRetries:    5,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Jitter:        0.25,
			Window:        time.Millisecond,
		},
		Transaction: Transaction{MaxOperations: 25},
		Logging:     Logging{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dynaplanErrors.NewError("load config", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, dynaplanErrors.NewError("parse config", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field rules and the model catalog
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(fieldErrs))
			for _, e := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return dynaplanErrors.NewError("validate config", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%s", strings.Join(msgs, "; ")))
		}
		return dynaplanErrors.NewError("validate config", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
	}
	for _, m := range c.Models {
		if err := validation.ValidateTableName(m.TableName()); err != nil {
			return dynaplanErrors.NewError("validate config", m.Name, dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
		}
		for _, idx := range m.Indexes {
			if err := validation.ValidateIndexName(idx.Name); err != nil {
				return dynaplanErrors.NewError("validate config", m.Name, dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
			}
		}
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}
	return nil
}

// Catalog builds the index catalog from the configured models
func (c *Config) Catalog() (*core.Catalog, error) {
	catalog, err := core.NewCatalog(c.Models...)
	if err != nil {
		return nil, dynaplanErrors.NewError("catalog", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "%v", err))
	}
	return catalog, nil
}
