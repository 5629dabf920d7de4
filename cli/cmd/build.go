package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pbotros/river-io/adapter"
	"github.com/pbotros/river-io/adapter/redis"
	"github.com/pbotros/river-io/adapter/webhook"
	"github.com/pbotros/river-io/cli/config"
	"github.com/pbotros/river-io/lode"
	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/river"
	"github.com/pbotros/river-io/store"
)

// buildDialer returns the store dialer for the configured backend.
// Archive backends are opened once; every dial reuses that store.
func buildDialer(ctx context.Context, cfg *config.Config, logger *log.Logger) (store.Dialer, error) {
	dataset := cfg.Store.Dataset
	if dataset == "" {
		dataset = lode.DefaultDataset
	}

	switch cfg.Store.Backend {
	case config.BackendRedis, "":
		return river.Dialer(cfg.Store.KeysPerStream, logger), nil

	case config.BackendFS:
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create archive root: %w", err)
		}
		st, err := lode.NewFSStore(dataset, cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		return st.Dialer(), nil

	case config.BackendS3:
		bucket, prefix := lode.ParseS3Path(cfg.Store.Path)
		st, err := lode.NewS3Store(ctx, dataset, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Store.Region,
			Endpoint:     cfg.Store.Endpoint,
			UsePathStyle: cfg.Store.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st.Dialer(), nil

	case config.BackendMemory:
		return store.NewMemoryStore().Dialer(), nil

	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
}

// buildAdapter returns the configured status adapter, or nil when none is set.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := -1
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}

	switch cfg.Type {
	case "":
		return nil, nil

	case "webhook":
		wc := webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: webhook.DefaultRetries,
		}
		if retries >= 0 {
			wc.Retries = retries
		}
		a, err := webhook.New(wc)
		if err != nil {
			return nil, err
		}
		return a, nil

	case "redis":
		rc := redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: redis.DefaultRetries,
		}
		if retries >= 0 {
			rc.Retries = retries
		}
		a, err := redis.New(rc)
		if err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown adapter type: %q", cfg.Type)
	}
}

// publishTimeout bounds a status publish including its retries.
func publishTimeout(cfg config.AdapterConfig) time.Duration {
	if cfg.Timeout.Duration <= 0 {
		return 0
	}
	retries := 1
	if cfg.Retries != nil {
		retries += *cfg.Retries
	}
	return cfg.Timeout.Duration * time.Duration(retries)
}
