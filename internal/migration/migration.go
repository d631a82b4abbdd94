// Package migration brings the database schema up to date on startup.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/jobqueue"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&usagedomain.UsageEvent{},
		&usagedomain.UsageQuota{},
		&usagedomain.UsageSummary{},
		&usagedomain.ReportAttempt{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionItem{},
		&dunningdomain.DunningState{},
		&jobqueue.ScheduledJob{},
	}
}

// Apply runs the embedded SQL migrations on postgres. Other dialects are
// development setups and get gorm AutoMigrate instead.
func Apply(conn *gorm.DB, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	dialect := conn.Dialector.Name()
	if dialect != "postgres" {
		log.Warn("schema managed by AutoMigrate", zap.String("dialect", dialect))
		return conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema up to date", zap.Uint("version", version))
	return nil
}

// RunMigrations applies pending migrations and returns the resulting version.
func RunMigrations(db *sql.DB) (uint, error) {
	if db == nil {
		return 0, errors.New("migration database handle is required")
	}

	src, err := Source()
	if err != nil {
		return 0, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migration %d left the schema dirty", version)
	}
	return version, nil
}

// Source exposes the embedded migrations as a golang-migrate source.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}
