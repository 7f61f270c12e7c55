// Package database implements the tenant storage ports on MongoDB.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fleetdata/heartbeat-ingest/config"
	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/tenant"
	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// MongoHeartbeatRepository stores heartbeats in one tenant's collection.
type MongoHeartbeatRepository struct {
	client       *mongo.Client
	collection   *mongo.Collection
	writeTimeout time.Duration
	logger       *logging.Logger
}

// target is the resolved storage location for one tenant.
type target struct {
	uri        string
	database   string
	collection string
}

// resolveTarget maps a tenant to its storage location: an explicit route when
// configured, otherwise the default cluster with a per-tenant database name.
func resolveTarget(cfg config.StorageConfig, tenantID string) (target, error) {
	if route, ok := cfg.Routes[tenantID]; ok {
		t := target{uri: route.URI, database: route.Database, collection: route.Collection}
		if t.uri == "" {
			t.uri = cfg.DefaultURI
		}
		if t.database == "" {
			t.database = cfg.DatabasePrefix + tenantID
		}
		if t.collection == "" {
			t.collection = cfg.Collection
		}
		if t.uri == "" {
			return target{}, common.ErrTenantUnknown(tenantID)
		}
		return t, nil
	}

	if cfg.DefaultURI == "" {
		return target{}, common.ErrTenantUnknown(tenantID)
	}
	return target{
		uri:        cfg.DefaultURI,
		database:   cfg.DatabasePrefix + tenantID,
		collection: cfg.Collection,
	}, nil
}

// NewDialFunc returns the tenant.DialFunc the connection manager uses to open
// tenant repositories. Each tenant gets its own client so one tenant's
// credentials or pool exhaustion cannot leak into another's.
func NewDialFunc(cfg config.StorageConfig, logger *logging.Logger) tenant.DialFunc {
	log := logger.WithComponent("mongodb")

	return func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		t, err := resolveTarget(cfg, tenantID)
		if err != nil {
			return nil, err
		}

		opts := options.Client().
			ApplyURI(t.uri).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetServerSelectionTimeout(cfg.ConnectTimeout).
			SetMaxPoolSize(cfg.MaxPoolSize).
			SetMinPoolSize(cfg.MinPoolSize)

		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		client, err := mongo.Connect(connectCtx, opts)
		if err != nil {
			return nil, common.WrapError(err, common.ErrCodeDatabaseConnection,
				fmt.Sprintf("failed to connect to storage for tenant %s", tenantID))
		}

		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, classifyMongoError(err, tenantID)
		}

		log.Info("connected to tenant database",
			logging.String("tenant_id", tenantID),
			logging.String("database", t.database),
			logging.String("collection", t.collection),
		)

		return &MongoHeartbeatRepository{
			client:       client,
			collection:   client.Database(t.database).Collection(t.collection),
			writeTimeout: cfg.WriteTimeout,
			logger:       log.WithTenantID(tenantID),
		}, nil
	}
}

// Upsert replaces the heartbeat document keyed on its identity, so redelivery
// of an already persisted message is a no-op overwrite.
func (r *MongoHeartbeatRepository) Upsert(ctx context.Context, hb *entity.Heartbeat) error {
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	doc := toDocument(hb)
	filter := bson.M{"_id": doc.ID}

	_, err := r.collection.ReplaceOne(writeCtx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return classifyMongoError(err, hb.TenantID)
	}
	return nil
}

// Ping verifies the tenant's backend is reachable.
func (r *MongoHeartbeatRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return common.WrapError(err, common.ErrCodeDatabaseConnection, "storage ping failed")
	}
	return nil
}

// Close disconnects the underlying client.
func (r *MongoHeartbeatRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// heartbeatDocument is the persisted shape. The identity key replaces the
// source id so documents without one still upsert deterministically.
type heartbeatDocument struct {
	ID             string                 `bson:"_id"`
	TenantID       string                 `bson:"tenant_id"`
	AssetID        string                 `bson:"asset_id"`
	DriverID       string                 `bson:"driver_id,omitempty"`
	DriverName     string                 `bson:"driver_name,omitempty"`
	Timestamp      time.Time              `bson:"timestamp"`
	Location       *entity.Location       `bson:"location,omitempty"`
	Status         string                 `bson:"status,omitempty"`
	AdditionalData map[string]interface{} `bson:"additional_data,omitempty"`
	IngestedAt     time.Time              `bson:"ingested_at"`
}

func toDocument(hb *entity.Heartbeat) *heartbeatDocument {
	return &heartbeatDocument{
		ID:             hb.Key(),
		TenantID:       hb.TenantID,
		AssetID:        hb.AssetID,
		DriverID:       hb.DriverID,
		DriverName:     hb.DriverName,
		Timestamp:      hb.Timestamp,
		Location:       hb.Location,
		Status:         hb.Status,
		AdditionalData: hb.AdditionalData,
		IngestedAt:     hb.IngestedAt,
	}
}

// classifyMongoError maps driver errors onto the error codes the retry
// controller branches on.
func classifyMongoError(err error, tenantID string) error {
	switch {
	case mongo.IsTimeout(err) || mongo.IsNetworkError(err):
		return common.WrapError(err, common.ErrCodeDatabaseConnection, "storage unreachable").
			WithContext("tenant_id", tenantID)
	case isAuthError(err):
		return common.WrapError(err, common.ErrCodeUnauthorized, "storage rejected credentials").
			WithContext("tenant_id", tenantID)
	case mongo.IsDuplicateKeyError(err):
		// ReplaceOne with upsert can race another writer on the same key;
		// the other write carried the same document.
		return nil
	default:
		return common.WrapError(err, common.ErrCodeDatabaseQuery, "storage write failed").
			WithContext("tenant_id", tenantID)
	}
}

// Mongo auth failures surface as command errors with these codes.
var authErrorCodes = map[int32]bool{
	13:   true, // Unauthorized
	18:   true, // AuthenticationFailed
	8000: true, // AtlasError, returned for bad credentials on hosted clusters
}

func isAuthError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return authErrorCodes[cmdErr.Code]
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if authErrorCodes[int32(we.Code)] {
				return true
			}
		}
	}
	return false
}
