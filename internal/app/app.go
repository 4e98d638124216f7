// Package app builds the dependency graph shared by the Lambda entrypoint and
// the local HTTP runner.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"labsql-agent/handler"
	"labsql-agent/internal/config"
	"labsql-agent/internal/integrations/openai"
	"labsql-agent/internal/integrations/paramstore"
	"labsql-agent/internal/labdb"
	"labsql-agent/internal/repository"
	"labsql-agent/internal/sqlguard"
	"labsql-agent/internal/tools"
	"labsql-agent/internal/usecase"
)

type App struct {
	Handler *handler.Handler
	LabDB   *labdb.Client
	Audit   *repository.Client

	pool *pgxpool.Pool
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func Build(ctx context.Context, cfg config.Config) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}

	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn, err = paramstore.StringField(ctx, ps, paramstore.Name(cfg.ParamPrefix, paramstore.DatabaseURLParam), "dsn")
		if err != nil {
			return nil, fmt.Errorf("app: database url: %w", err)
		}
	}

	pool, err := labdb.Open(ctx, dsn, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	a := &App{pool: pool}

	a.LabDB, err = labdb.New(pool, labdb.Config{
		PatientColumn:    cfg.SQL.PatientColumn,
		Schema:           cfg.Database.Schema,
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	guard, err := sqlguard.NewValidator(cfg.SQL.DefaultRowLimit, cfg.SQL.PatientColumn)
	if err != nil {
		a.Close()
		return nil, err
	}

	dispatcher, err := tools.NewDispatcher(a.LabDB, guard, tools.Config{
		SimilarityThreshold: cfg.Similarity.Threshold,
		MaxSearchResults:    cfg.Similarity.MaxResults,
		ExplorationRowCap:   cfg.SQL.ExplorationRowCap,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	reasoner, err := openai.NewClient(ps, cfg.ParamPrefix,
		openai.WithModel(cfg.OpenAI.Model),
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Audit, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AuditTable)
	if err != nil {
		a.Close()
		return nil, err
	}

	svc, err := usecase.NewSQLService(a.LabDB, reasoner, dispatcher, guard, a.Audit, usecase.Options{
		MaxIterations:     cfg.Agent.MaxIterations,
		Timeout:           cfg.Agent.Timeout,
		MaxQuestionLength: cfg.Agent.MaxQuestionLength,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Handler, err = handler.NewHandler(svc)
	if err != nil {
		a.Close()
		return nil, err
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("model", reasoner.Model()).
		Int("max_iterations", cfg.Agent.MaxIterations).
		Dur("timeout", cfg.Agent.Timeout).
		Msg("sql agent initialized")
	return a, nil
}
