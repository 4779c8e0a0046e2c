package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

// openBackend creates the configured storage backend. The returned close
// function releases its connections.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryBackend(), noop, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisBackend(client, cfg.RedisPrefix), client.Close, nil

	case config.BackendSQLite:
		b, err := store.OpenSQLiteBackend(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil

	case config.BackendS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return store.NewS3Backend(client, cfg.S3Bucket, cfg.S3Prefix), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newS3Client builds an S3 client from the default AWS chain, with static
// credentials and a custom endpoint when configured.
func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}
