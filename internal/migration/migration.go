package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&quotadomain.TenantQuota{},
		&usagedomain.UsageRecord{},
		&authorization.Member{},
		&matchingdomain.Job{},
		&matchingdomain.CandidateProfile{},
		&matchingdomain.Application{},
		&matchingdomain.QuestionBundle{},
	}
}

// Run brings the schema up to date. Postgres uses the versioned SQL files;
// other dialects are for local runs and use AutoMigrate.
func Run(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Info("auto-migrating schema", zap.String("type", cfg.DBType))
		return conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	log.Info("applying sql migrations")
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB
	return nil
}
