package database

import (
	"fmt"
	"time"

	"affiliateledger/internal/config"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL opens the MySQL ledger store and migrates the schema.
func InitMySQL(cfg *config.MySQLConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	zap.L().Info("mysql connected", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return db, nil
}

// Open picks the backend named by cfg.Database.Driver.
func Open(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "", "mysql":
		return InitMySQL(&cfg.MySQL)
	case "sqlite":
		return OpenSQLite(cfg.Database.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

const slowQueryThreshold = 200 * time.Millisecond

// newGormLogger reports slow queries and failures. A lookup that finds no row
// is an ordinary outcome here and is not logged.
func newGormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         newGormLogger(zap.NewStdLog(zap.L().Named("gorm"))),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
