// Package awsclient centralizes the AWS SDK client construction shared by
// both mirror subcommands: the default-credential-chain config, and the
// optional cross-account AssumeRole used to reach a target bucket that
// lives in a different account than the source.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// LoadDefault loads the SDK config from the default credential chain for
// the given region.
func LoadDefault(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// AssumeRole returns a copy of cfg whose credentials are sourced from
// assuming roleARN, for use against a target account that isn't reachable
// with the caller's own identity.
func AssumeRole(cfg aws.Config, roleARN string) aws.Config {
	stsClient := sts.NewFromConfig(cfg)
	provider := stscreds.NewAssumeRoleProvider(stsClient, roleARN)
	assumed := cfg.Copy()
	assumed.Credentials = aws.NewCredentialsCache(provider)
	return assumed
}
