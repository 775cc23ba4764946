// Package auth resolves short-lived database credentials.
package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stacklok/chunksync/internal/app/storage/auth/aws"
	"github.com/stacklok/chunksync/internal/config"
)

// ResolveAuthToken returns a token usable as the password of cfg.User, or
// an empty string when dynamic auth is not configured. Short-lived
// connections such as migrations use it where no hook can run.
func ResolveAuthToken(ctx context.Context, cfg *config.DatabaseConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return "", nil
	}
	if cfg.DynamicAuth.AWSRDSIAM != nil {
		return aws.NewToken(ctx, cfg.Host, cfg.Port, cfg.User, cfg.DynamicAuth.AWSRDSIAM.Region)
	}
	return "", fmt.Errorf("dynamic auth is configured but no supported auth method (e.g., awsRdsIam) is specified")
}

// NewDynamicAuth returns a pgx BeforeConnect hook that sets a fresh token
// on every new connection.
func NewDynamicAuth(
	ctx context.Context,
	cfg *config.DatabaseConfig,
) (func(ctx context.Context, connConfig *pgx.ConnConfig) error, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return nil, fmt.Errorf("dynamic authentication is not configured")
	}
	if cfg.DynamicAuth.AWSRDSIAM != nil {
		return aws.PgxAuthFunc(ctx, cfg.Host, cfg.Port, cfg.User, cfg.DynamicAuth.AWSRDSIAM.Region)
	}
	return nil, fmt.Errorf("dynamic auth is configured but no supported auth method (e.g., awsRdsIam) is specified")
}

// ConnectionString returns cfg's URL with a resolved token embedded when
// dynamic auth is configured
func ConnectionString(ctx context.Context, cfg *config.DatabaseConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return cfg.GetConnectionString()
	}

	token, err := ResolveAuthToken(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve auth token: %w", err)
	}
	return cfg.BuildConnectionStringWithAuth(token), nil
}
