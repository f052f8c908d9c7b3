package model

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/logger"
)

var DB *gorm.DB

var (
	UsingPostgreSQL atomic.Bool
	UsingMySQL      atomic.Bool
	UsingSQLite     atomic.Bool
)

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return openPostgreSQL(dsn)
	case dsn != "":
		if config.IsProduction() {
			// Production must run on PostgreSQL; exiting here is the documented
			// fatal-config behaviour.
			logger.Logger.Fatal("production requires a PostgreSQL DATABASE_URL",
				zap.String("dsn_prefix", dsnPrefix(dsn)))
		}
		return openMySQL(dsn)
	default:
		if config.IsProduction() {
			logger.Logger.Fatal("production requires a PostgreSQL DATABASE_URL, got empty")
		}
		return openSQLite()
	}
}

func dsnPrefix(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "unknown"
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as database")
	UsingPostgreSQL.Store(true)
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	UsingMySQL.Store(true)
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("DATABASE_URL not set, using SQLite as database")
	UsingSQLite.Store(true)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", config.SQLitePath, config.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func InitDB() {
	var err error
	DB, err = chooseDB(config.DatabaseURL)
	if err != nil {
		logger.Logger.Fatal("failed to initialize database", zap.Error(err))
		return
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		DB = DB.Debug()
	}

	setDBConns(DB)

	logger.Logger.Info("database migration started")
	if err = migrateDB(); err != nil {
		logger.Logger.Fatal("failed to migrate database", zap.Error(err))
		return
	}
	logger.Logger.Info("database migration completed")
}

func migrateDB() error {
	var err error
	if err = DB.AutoMigrate(&Provider{}); err != nil {
		return errors.Wrap(err, "failed to migrate Provider")
	}
	if err = DB.AutoMigrate(&Endpoint{}); err != nil {
		return errors.Wrap(err, "failed to migrate Endpoint")
	}
	if err = DB.AutoMigrate(&ProviderKey{}); err != nil {
		return errors.Wrap(err, "failed to migrate ProviderKey")
	}
	if err = DB.AutoMigrate(&GlobalModel{}); err != nil {
		return errors.Wrap(err, "failed to migrate GlobalModel")
	}
	if err = DB.AutoMigrate(&ModelImpl{}); err != nil {
		return errors.Wrap(err, "failed to migrate ModelImpl")
	}
	if err = DB.AutoMigrate(&ModelMapping{}); err != nil {
		return errors.Wrap(err, "failed to migrate ModelMapping")
	}
	if err = DB.AutoMigrate(&ApiKey{}); err != nil {
		return errors.Wrap(err, "failed to migrate ApiKey")
	}
	if err = DB.AutoMigrate(&User{}); err != nil {
		return errors.Wrap(err, "failed to migrate User")
	}
	if err = DB.AutoMigrate(&Attempt{}); err != nil {
		return errors.Wrap(err, "failed to migrate Attempt")
	}
	if err = DB.AutoMigrate(&Usage{}); err != nil {
		return errors.Wrap(err, "failed to migrate Usage")
	}
	return nil
}

func setDBConns(db *gorm.DB) *sql.DB {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Logger.Fatal("failed to connect database", zap.Error(err))
		return nil
	}

	sqlDB.SetMaxIdleConns(config.SQLMaxIdleConns)
	sqlDB.SetMaxOpenConns(config.SQLMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Second * time.Duration(config.SQLMaxLifetimeSeconds))
	return sqlDB
}

func CloseDB() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(sqlDB.Close())
}
