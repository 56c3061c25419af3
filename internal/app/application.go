// Package app wires the stores, services and the HTTP API into one
// runnable application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/openraffle/lottery-ledger/internal/app/events"
	"github.com/openraffle/lottery-ledger/internal/app/httpapi"
	"github.com/openraffle/lottery-ledger/internal/app/services/automation"
	"github.com/openraffle/lottery-ledger/internal/app/services/credentials"
	"github.com/openraffle/lottery-ledger/internal/app/services/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/services/randomness"
	"github.com/openraffle/lottery-ledger/internal/app/services/treasury"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
	"github.com/openraffle/lottery-ledger/internal/app/storage/memory"
	"github.com/openraffle/lottery-ledger/internal/app/storage/postgres"
	"github.com/openraffle/lottery-ledger/internal/app/system"
	"github.com/openraffle/lottery-ledger/internal/config"
	"github.com/openraffle/lottery-ledger/internal/database"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

// Stores groups the storage interfaces an application runs on. Nil
// fields default to a shared in-memory store.
type Stores struct {
	Ledger      storage.LedgerStore
	Credentials storage.CredentialStore
	Treasury    storage.TreasuryStore
	Randomness  storage.RandomnessStore
}

// Application is the assembled service.
type Application struct {
	Ledger      *ledger.Service
	Treasury    *treasury.Service
	Credentials *credentials.Service
	Randomness  *randomness.Service
	Bus         *events.Bus

	cfg     config.Config
	log     *logger.Logger
	manager *system.Manager
	handler *httpapi.Handler
	db      *sqlx.DB
}

// New assembles the application from configuration. A configured
// database DSN selects PostgreSQL persistence, otherwise everything runs
// in memory.
func New(cfg config.Config) (*Application, error) {
	log := logger.New("app", os.Stderr, cfg.LogLevel)

	var (
		stores Stores
		db     *sqlx.DB
	)
	if cfg.Database.DSN != "" {
		if cfg.Database.Migrate {
			if err := database.Migrate(cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		conn, err := database.Connect(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		db = conn
		pg := postgres.New(conn)
		stores = Stores{Ledger: pg, Credentials: pg, Treasury: pg, Randomness: pg}
		log.Info("using postgres storage")
	} else {
		mem := memory.New()
		stores = Stores{Ledger: mem, Credentials: mem, Treasury: mem, Randomness: mem}
		log.Warn("no database configured, using in-memory storage")
	}

	return build(cfg, stores, db, log)
}

// NewWithStores assembles the application on explicit stores. Used by
// tests and embedding callers.
func NewWithStores(cfg config.Config, stores Stores) (*Application, error) {
	log := logger.New("app", os.Stderr, cfg.LogLevel)
	if stores.Ledger == nil || stores.Credentials == nil || stores.Treasury == nil || stores.Randomness == nil {
		mem := memory.New()
		if stores.Ledger == nil {
			stores.Ledger = mem
		}
		if stores.Credentials == nil {
			stores.Credentials = mem
		}
		if stores.Treasury == nil {
			stores.Treasury = mem
		}
		if stores.Randomness == nil {
			stores.Randomness = mem
		}
	}
	return build(cfg, stores, nil, log)
}

func build(cfg config.Config, stores Stores, db *sqlx.DB, log *logger.Logger) (*Application, error) {
	tre := treasury.New(stores.Treasury, logger.New("treasury", os.Stderr, cfg.LogLevel))
	creds := credentials.New(stores.Credentials, logger.New("credentials", os.Stderr, cfg.LogLevel))

	ledgerSvc := ledger.New(stores.Ledger, tre, creds, cfg.Params(), cfg.RoleSet(),
		logger.New("ledger", os.Stderr, cfg.LogLevel))

	beacon := randomness.New(stores.Randomness, cfg.Randomness.Interval,
		logger.New("randomness", os.Stderr, cfg.LogLevel))
	beacon.WithConsumer(ledgerSvc)
	ledgerSvc.WithRandomness(beacon)

	bus := events.NewBus()
	ledgerSvc.WithBus(bus)

	manager := system.NewManager()
	manager.Register(beacon)
	if cfg.Automation.Enabled {
		sched := automation.New(ledgerSvc, cfg.Roles.Organizer,
			cfg.Automation.AdvanceSpec, cfg.Automation.GCSpec,
			logger.New("automation", os.Stderr, cfg.LogLevel))
		manager.Register(sched)
	}

	handler := httpapi.New(ledgerSvc, tre, creds, bus,
		logger.New("httpapi", os.Stderr, cfg.LogLevel),
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst))

	return &Application{
		Ledger:      ledgerSvc,
		Treasury:    tre,
		Credentials: creds,
		Randomness:  beacon,
		Bus:         bus,
		cfg:         cfg,
		log:         log,
		manager:     manager,
		handler:     handler,
		db:          db,
	}, nil
}

// Router returns the HTTP API.
func (a *Application) Router() http.Handler {
	return a.handler.Router()
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down and closes the database.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
