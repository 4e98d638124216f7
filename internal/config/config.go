// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	Development = "development"
	Production  = "production"
)

type AgentConfig struct {
	MaxIterations     int           `envconfig:"AGENT_MAX_ITERATIONS" default:"5"`
	Timeout           time.Duration `envconfig:"AGENT_TIMEOUT" default:"90s"`
	MaxQuestionLength int           `envconfig:"AGENT_MAX_QUESTION_LENGTH" default:"500"`
}

type SQLConfig struct {
	DefaultRowLimit   int    `envconfig:"SQL_DEFAULT_ROW_LIMIT" default:"50"`
	ExplorationRowCap int    `envconfig:"SQL_EXPLORATION_ROW_CAP" default:"20"`
	PatientColumn     string `envconfig:"SQL_PATIENT_COLUMN" default:"patient_id"`
}

type SimilarityConfig struct {
	Threshold  float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.3"`
	MaxResults int     `envconfig:"SIMILARITY_MAX_RESULTS" default:"10"`
}

type DatabaseConfig struct {
	// URL overrides the DSN stored in Parameter Store.
	URL              string        `envconfig:"DATABASE_URL"`
	StatementTimeout time.Duration `envconfig:"DATABASE_STATEMENT_TIMEOUT" default:"5s"`
	MaxConns         int           `envconfig:"DATABASE_MAX_CONNS" default:"4"`
	Schema           string        `envconfig:"DATABASE_SCHEMA" default:"public"`
}

type OpenAIConfig struct {
	Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	BaseURL string `envconfig:"OPENAI_BASE_URL"`
}

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	ParamPrefix string `envconfig:"PARAM_PREFIX" required:"true"`
	AuditTable  string `envconfig:"AUDIT_TABLE" required:"true"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	// CORSOrigins is a comma-separated list for the local HTTP runner.
	CORSOrigins []string `envconfig:"HTTP_CORS_ORIGINS"`

	Agent      AgentConfig
	SQL        SQLConfig
	Similarity SimilarityConfig
	Database   DatabaseConfig
	OpenAI     OpenAIConfig
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if c.AuditTable == "" {
		errs = append(errs, errors.New("AUDIT_TABLE is required"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, errors.New("AGENT_MAX_ITERATIONS must be at least 1"))
	}
	if c.Agent.Timeout <= 0 {
		errs = append(errs, errors.New("AGENT_TIMEOUT must be positive"))
	}
	if c.Agent.MaxQuestionLength < 1 {
		errs = append(errs, errors.New("AGENT_MAX_QUESTION_LENGTH must be at least 1"))
	}
	if c.SQL.DefaultRowLimit < 1 {
		errs = append(errs, errors.New("SQL_DEFAULT_ROW_LIMIT must be at least 1"))
	}
	if c.SQL.ExplorationRowCap < 1 || c.SQL.ExplorationRowCap > c.SQL.DefaultRowLimit {
		errs = append(errs, errors.New("SQL_EXPLORATION_ROW_CAP must be between 1 and SQL_DEFAULT_ROW_LIMIT"))
	}
	if c.Similarity.Threshold <= 0 || c.Similarity.Threshold > 1 {
		errs = append(errs, errors.New("SIMILARITY_THRESHOLD must be in (0, 1]"))
	}
	if c.Similarity.MaxResults < 1 {
		errs = append(errs, errors.New("SIMILARITY_MAX_RESULTS must be at least 1"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("DATABASE_MAX_CONNS must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == Production
}
