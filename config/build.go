package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/core"
	"github.com/wippyai/zen-runtime/loaders"
	"github.com/wippyai/zen-runtime/wasmnative"
)

// Opener returns the configured backend.
func (c *Config) Opener() abi.Opener {
	if c.Backend == BackendWASM {
		return wasmnative.Opener(wasmnative.Config{
			Path:             c.WASM.Path,
			MemoryLimitPages: c.WASM.MemoryLimitPages,
			WASI:             c.WASM.WASI,
			CacheDir:         c.WASM.CacheDir,
		})
	}
	return core.Opener()
}

// RuntimeOptions returns the zen options implied by the configuration.
func (c *Config) RuntimeOptions(log *zap.Logger) []zen.Option {
	opts := []zen.Option{zen.WithBackend(c.Opener())}
	if log != nil {
		opts = append(opts, zen.WithLogger(log))
	}
	if c.Evaluation.CallbackTimeout > 0 {
		opts = append(opts, zen.WithCallbackTimeout(c.Evaluation.CallbackTimeout))
	}
	return opts
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Loader builds the configured loader. The closer releases connections
// held by the loader. A nil loader means none is configured. For the
// filesystem loader the *loaders.Dir is returned as well so callers can
// watch it.
func (c *Config) Loader(ctx context.Context) (zen.Loader, io.Closer, *loaders.Dir, error) {
	l := c.Loader
	switch l.Type {
	case LoaderNone:
		return nil, nopCloser{}, nil, nil

	case LoaderFilesystem:
		dir := loaders.NewDir(l.Path, loaders.WithCache(l.Watch))
		return dir.Load, nopCloser{}, dir, nil

	case LoaderRedis:
		r, err := loaders.RedisURL(l.RedisURL, loaders.WithPrefix(l.Prefix))
		if err != nil {
			return nil, nil, nil, err
		}
		return r.Load, r, nil, nil

	case LoaderSQL:
		s, err := loaders.OpenSQLite(ctx, l.DSN, l.Table)
		if err != nil {
			return nil, nil, nil, err
		}
		return s.Load, s, nil, nil

	case LoaderAPI:
		headers := make(http.Header, len(l.Headers))
		for k, v := range l.Headers {
			headers.Set(k, v)
		}
		a, err := loaders.NewAPI(loaders.APIConfig{
			BaseURL:    l.URL,
			Headers:    headers,
			Timeout:    l.Timeout,
			MaxRetries: l.MaxRetries,
			CacheTTL:   l.CacheTTL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return a.Load, nopCloser{}, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown loader type %q", l.Type)
}

// Logger builds a zap logger for the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func parseLevel(s string) (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
