// Package objectstore configures the S3-compatible store holding exported run packs.
package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/torus-labs/runproof/internal/platform/env"
)

type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	BucketPacks string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("RUNPROOF_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:    env.String("RUNPROOF_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:   env.String("RUNPROOF_MINIO_ACCESS_KEY", "runproof"),
		SecretKey:   env.String("RUNPROOF_MINIO_SECRET_KEY", "runproofminio"),
		Region:      env.String("RUNPROOF_MINIO_REGION", "us-east-1"),
		UseSSL:      useSSL,
		BucketPacks: env.String("RUNPROOF_MINIO_BUCKET_PACKS", "run-packs"),
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
	if strings.TrimSpace(c.BucketPacks) == "" {
		return errors.New("packs bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
