package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"labsql-agent/internal/app"
	"labsql-agent/internal/config"
	"labsql-agent/internal/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Init(logger.Options{Production: cfg.IsProduction()})

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sql agent")
	}
	defer a.Close()

	lambda.Start(a.Handler.Handle)
}
