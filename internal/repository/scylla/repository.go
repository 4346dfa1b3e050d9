package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/bucketing"
	"account-security/internal/encryption"
	"account-security/internal/repository"
)

// maxCASRetries bounds compare-and-set loops under contention.
const maxCASRetries = 16

// Repository implements repository.Repository on ScyllaDB. Conditional
// writes use lightweight transactions so that concurrent requests hitting
// different replicas of the service still serialize per row.
type Repository struct {
	client    *ScyllaClient
	crypto    *encryption.EncryptionManager
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

var _ repository.Repository = (*Repository)(nil)

func NewRepository(client *ScyllaClient, crypto *encryption.EncryptionManager, bm *bucketing.BucketingManager, logger *zap.Logger) *Repository {
	return &Repository{
		client:    client,
		crypto:    crypto,
		bucketing: bm,
		logger:    logger.Named("scylla"),
	}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// notFound maps gocql's sentinel onto the repository one.
func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return repository.ErrNotFound
	}
	return err
}

// cas runs a conditional statement and reports whether it applied.
func (r *Repository) cas(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	applied, err := r.client.Query(ctx, stmt, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("conditional update failed: %w", err)
	}
	return applied, nil
}
