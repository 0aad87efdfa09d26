// Package app assembles the services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesikahq/dpi/internal/api"
	"github.com/mesikahq/dpi/internal/attachment"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/config"
	"github.com/mesikahq/dpi/internal/database"
	"github.com/mesikahq/dpi/internal/encryption"
	"github.com/mesikahq/dpi/internal/identifier"
	"github.com/mesikahq/dpi/internal/memstore"
	"github.com/mesikahq/dpi/internal/patient"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

const maxUploadBytes = 16 << 20

type App struct {
	Config *config.Config
	Logger *zap.Logger

	Auth     auth.Service
	Users    user.Service
	Records  record.Service
	Patients patient.Service
	Audit    audit.Service

	closers []func(context.Context) error
}

// NewLogger builds the zap logger described by cfg.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func newAuditLogger(cfg config.LogConfig) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	}
	return l
}

type storage struct {
	users   user.Repository
	records record.Repositories
	tx      database.Transactor
}

// New connects the configured backends and builds every service. Close
// releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStorage(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	files, err := a.openAttachments(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var es *elasticsearch.Client
	if len(cfg.Elasticsearch.Addresses) > 0 {
		es, err = elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
		})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("create elasticsearch client: %w", err)
		}
	}

	encoder := identifier.NewQREncoder()
	a.Audit = audit.NewService(es, newAuditLogger(cfg.Log), cfg.Elasticsearch.IndexPrefix)
	a.Auth = auth.NewService(st.users, a.Audit, logger, auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	a.Users = user.NewService(st.users, a.Audit, logger)
	a.Records = record.NewService(record.Deps{
		Repos:       st.records,
		Users:       st.users,
		Tx:          st.tx,
		Encoder:     encoder,
		Attachments: files,
		Audit:       a.Audit,
		Logger:      logger,
	})
	a.Patients = patient.NewService(st.users, st.records.Records, st.tx, encoder, a.Audit, logger)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (*storage, error) {
	switch a.Config.Storage.Driver {
	case "memory":
		a.Logger.Warn("using in-memory storage; data is lost on restart")
		store := memstore.New()
		return &storage{users: store.Users(), records: store.Records(), tx: store}, nil

	case "postgres":
		enc, err := encryption.NewService(a.Config.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption: %w", err)
		}
		db, err := database.Open(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		return &storage{
			users:   user.NewPostgresRepository(db, enc, a.Logger),
			records: record.NewPostgresRepositories(db),
			tx:      database.NewTransactor(db),
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
}

// openAttachments returns nil when no store is available, which disables
// imaging uploads.
func (a *App) openAttachments(ctx context.Context) (attachment.Store, error) {
	if a.Config.Mongo.URI == "" {
		if a.Config.Storage.Driver == "memory" {
			return attachment.NewMemoryStore(), nil
		}
		a.Logger.Info("mongo.uri not set; imaging attachments disabled")
		return nil, nil
	}

	client, err := database.NewMongoClient(ctx, a.Config.Mongo)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Disconnect)

	store, err := attachment.NewGridFSStore(client.Database(a.Config.Mongo.Database), a.Config.Mongo.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return store, nil
}

// Handler builds the HTTP engine.
func (a *App) Handler() *gin.Engine {
	h := api.NewHandler(api.Services{
		Auth:     a.Auth,
		Users:    a.Users,
		Records:  a.Records,
		Patients: a.Patients,
		Audit:    a.Audit,
	}, a.Logger)

	return api.NewRouter(h, a.Auth, api.RouterConfig{
		CORSOrigins:    a.Config.Server.CORSOrigins,
		RequestTimeout: a.Config.Server.RequestTimeout,
		RateLimitRPS:   a.Config.Security.RateLimitRPS,
		RateLimitBurst: a.Config.Security.RateLimitBurst,
		MaxUploadBytes: maxUploadBytes,
	}).SetupRouter(a.Logger)
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
