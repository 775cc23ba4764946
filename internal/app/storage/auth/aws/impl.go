// Package aws builds AWS RDS IAM authentication tokens.
package aws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/jackc/pgx/v5"
)

// RegionDetect asks instance metadata for the region
const RegionDetect = "detect"

func resolveRegion(ctx context.Context, region string) (string, error) {
	if region == "" {
		return "", fmt.Errorf("AWS RDS IAM region is not configured")
	}
	if region != RegionDetect {
		return region, nil
	}

	imdsClient := imds.New(imds.Options{
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
	})
	out, err := imdsClient.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get region from IMDS: %w", err)
	}
	return out.Region, nil
}

func buildToken(ctx context.Context, host string, port int, user, region string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", host, port)
	token, err := auth.BuildAuthToken(ctx, endpoint, region, user, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("failed to build authentication token: %w", err)
	}
	return token, nil
}

// NewToken returns a single token for user on host:port
func NewToken(ctx context.Context, host string, port int, user, region string) (string, error) {
	resolved, err := resolveRegion(ctx, region)
	if err != nil {
		return "", err
	}
	return buildToken(ctx, host, port, user, resolved)
}

// PgxAuthFunc resolves the region once and returns a hook that builds a new
// token for each connection. Credentials come from the workload's role.
func PgxAuthFunc(
	ctx context.Context,
	host string,
	port int,
	user, region string,
) (func(ctx context.Context, connConfig *pgx.ConnConfig) error, error) {
	resolved, err := resolveRegion(ctx, region)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, connConfig *pgx.ConnConfig) error {
		token, err := buildToken(ctx, host, port, user, resolved)
		if err != nil {
			return err
		}
		connConfig.Password = token
		return nil
	}, nil
}
