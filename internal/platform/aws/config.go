// Package aws loads SDK configuration for the alert delivery path.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Config holds AWS configuration.
type Config struct {
	// Region of the SNS topic receiving operational events
	Region string
}

// LoadAWSConfig loads AWS SDK configuration using the default credential chain
// (environment variables, shared credentials file, IAM roles, etc.). An empty
// Region defers to the chain's own region resolution.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}
