package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketCache     string
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CONVEYOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("CONVEYOR_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("CONVEYOR_MINIO_ACCESS_KEY", "conveyor"),
		SecretKey:       env.String("CONVEYOR_MINIO_SECRET_KEY", "conveyorminio"),
		Region:          env.String("CONVEYOR_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketCache:     env.String("CONVEYOR_MINIO_BUCKET_CACHE", "pipeline-cache"),
		BucketArtifacts: env.String("CONVEYOR_MINIO_BUCKET_ARTIFACTS", "pipeline-artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketCache) == "" {
		return errors.New("cache bucket is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
