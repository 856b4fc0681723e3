package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/config"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps the GORM connection and hands out repositories.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string

	mu     sync.Mutex
	runs   *RunRepository
	skills *SkillRepository
}

// Open creates a Store for the configured driver.
func Open(cfg *config.StorageConfig, defaultSQLitePath string, slogger *slog.Logger) (*Store, error) {
	switch cfg.StorageDriver() {
	case DriverPostgres:
		if cfg == nil || cfg.Postgres == nil || cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		return OpenPostgres(cfg.Postgres, slogger)
	default:
		sc := &config.SQLiteStorageConfig{Path: defaultSQLitePath}
		if cfg != nil && cfg.SQLite != nil {
			sc = cfg.SQLite
			if sc.Path == "" {
				sc.Path = defaultSQLitePath
			}
		}
		return OpenSQLite(sc, slogger)
	}
}

// OpenSQLite opens the single-file backend with WAL mode and sane pragmas.
func OpenSQLite(cfg *config.SQLiteStorageConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{db: db, logger: slogger, driver: DriverSQLite}, nil
}

// OpenPostgres opens the shared backend with pool limits applied.
func OpenPostgres(cfg *config.PostgresStorageConfig, slogger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetimeS
	if lifetime <= 0 {
		lifetime = 1800
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	slogger.Info("postgres store opened", slog.Int("max_open_conns", maxOpen))
	return &Store{db: db, logger: slogger, driver: DriverPostgres}, nil
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	return &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate runs GORM AutoMigrate for all models.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&RunModel{},
		&SkillModel{},
		&SkillApprovalModel{},
	)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the backend name.
func (s *Store) Driver() string { return s.driver }

// Runs returns the run repository.
func (s *Store) Runs() *RunRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = &RunRepository{db: s.db}
	}
	return s.runs
}

// Skills returns the skill repository.
func (s *Store) Skills() *SkillRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skills == nil {
		s.skills = &SkillRepository{db: s.db}
	}
	return s.skills
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
