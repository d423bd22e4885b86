// Command zen-lambda serves the HTTP routes of zen serve as an AWS Lambda
// function behind an API Gateway HTTP API.
//
// ZEN_CONFIG names a configuration file. Without it the defaults apply and
// the ZEN_* environment overrides are honoured.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/config"
	"github.com/wippyai/zen-runtime/server"
)

func main() {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	zen.SetLogger(logger)

	rt, err := zen.NewRuntime(ctx, cfg.RuntimeOptions(logger)...)
	if err != nil {
		logger.Fatal("start runtime", zap.Error(err))
	}
	defer rt.Close(ctx)

	load, closer, _, err := cfg.Loader(ctx)
	if err != nil {
		logger.Fatal("build loader", zap.Error(err))
	}
	defer closer.Close()

	var opts []zen.EngineOption
	if load != nil {
		opts = append(opts, zen.WithLoader(load))
	}
	engine, err := rt.NewEngine(ctx, opts...)
	if err != nil {
		logger.Fatal("create engine", zap.Error(err))
	}

	srv := server.New(rt, engine,
		server.WithLogger(logger.Named("http")),
		server.WithDefaults(cfg.Evaluation.Options()),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	lambda.Start(srv.Lambda)
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("ZEN_CONFIG"); path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{}
	config.ApplyEnv(cfg)
	config.ApplyDefaults(cfg)
	return cfg, cfg.Validate()
}
