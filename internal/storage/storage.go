// Package storage is the persistence collaborator for the protocol engines.
// Save makes an entity and its newly created owned children durable and
// assigns identity if absent; finders return entities satisfying exact-match
// predicates. Persistence of an entity is the serialization point for that
// entity's writes (last-writer-wins).
package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// Storage defines the interface for persisting and querying the ACME entity
// graph.
type Storage interface {
	// Accounts
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email, serverURL string) (*model.Account, error)
	GetAccountsByServerURL(ctx context.Context, serverURL string) ([]*model.Account, error)
	GetAccountsByStatus(ctx context.Context, status string) ([]*model.Account, error)

	// Orders (saving an order also persists its identifiers and
	// authorizations, including their challenges)
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)
	GetOrdersByStatus(ctx context.Context, status string) ([]*model.Order, error)

	// Authorizations and challenges
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorizationByDomain(ctx context.Context, domain string) (*model.Authorization, error)
	GetAuthorizationsByStatus(ctx context.Context, status string) ([]*model.Authorization, error)
	SaveChallenge(ctx context.Context, ch *model.Challenge) error

	// Certificates
	SaveCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificatesByDomain(ctx context.Context, domain string) ([]*model.Certificate, error)
	GetCertificatesByOrderID(ctx context.Context, orderID string) ([]*model.Certificate, error)
	GetCertificatesByStatus(ctx context.Context, status string) ([]*model.Certificate, error)
	GetExpiringCertificates(ctx context.Context, days int) ([]*model.Certificate, error) // ascending by not-after
	GetValidCertificates(ctx context.Context) ([]*model.Certificate, error)              // ascending by not-after

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType, dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}
