package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/config"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations
var migrationsFS embed.FS

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info 迁移摘要
type Info struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// DatabaseURL 为 database/sql 可直接打开的 DSN
	DatabaseURL string
	// TableName 版本表，默认 schema_migrations
	TableName string
}

// Migrator 基于 golang-migrate 的迁移器
type Migrator struct {
	cfg     Config
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// New 打开数据库并创建迁移器
func New(cfg Config, logger *zap.Logger) (*Migrator, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDriver, err := sqlDriverName(cfg.DatabaseType)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(sqlDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DatabaseType, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DatabaseType, err)
	}

	m, err := newWithDB(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewFromDatabaseConfig 按应用数据库配置创建迁移器
func NewFromDatabaseConfig(dbCfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	return New(Config{
		DatabaseType: dbType,
		DatabaseURL:  BuildDatabaseURL(dbType, dbCfg),
	}, logger)
}

func newWithDB(cfg Config, db *sql.DB, logger *zap.Logger) (*Migrator, error) {
	var (
		driver database.Driver
		err    error
	)
	switch cfg.DatabaseType {
	case DatabaseTypePostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeMySQL:
		driver, err = mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeSQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: cfg.TableName})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migrate driver: %w", cfg.DatabaseType, err)
	}

	src, err := iofs.New(migrationsFS, sourceDir(cfg.DatabaseType))
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, string(cfg.DatabaseType), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	log := logger.With(zap.String("component", "migration"), zap.String("dialect", string(cfg.DatabaseType)))
	mg.Log = &migrateLogger{logger: log}
	return &Migrator{cfg: cfg, migrate: mg, logger: log}, nil
}

// =============================================================================
// 🎯 迁移操作
// =============================================================================

// Up 应用全部未执行的迁移
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

// Down 回滚 n 个迁移，n <= 0 时回滚全部
func (m *Migrator) Down(ctx context.Context, n int) error {
	if n <= 0 {
		return m.run(ctx, "down", m.migrate.Down)
	}
	return m.run(ctx, "down", func() error { return m.migrate.Steps(-n) })
}

// Goto 迁移到指定版本
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, "goto", func() error { return m.migrate.Migrate(version) })
}

// Force 直接设置版本号，用于修复 dirty 状态
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

func (m *Migrator) run(ctx context.Context, op string, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	v, dirty, _ := m.Version()
	m.logger.Info("migration finished", zap.String("op", op), zap.Uint("version", v), zap.Bool("dirty", dirty))
	return nil
}

// Version 当前版本，未迁移时为 0
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}

// Status 列出所有内嵌迁移及其状态
func (m *Migrator) Status() ([]MigrationStatus, error) {
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}
	files, err := listMigrations(m.cfg.DatabaseType)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		out = append(out, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return out, nil
}

// Info 迁移摘要
func (m *Migrator) Info() (*Info, error) {
	statuses, err := m.Status()
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}
	info := &Info{CurrentVersion: current, Dirty: dirty, Total: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.Applied++
		}
	}
	info.Pending = info.Total - info.Applied
	return info, nil
}

// Close 释放 source 与数据库连接
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

type migrationFile struct {
	version uint
	name    string
}

func listMigrations(dbType DatabaseType) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, sourceDir(dbType))
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}
	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func sourceDir(dbType DatabaseType) string {
	return path.Join("migrations", string(dbType))
}

func sqlDriverName(dbType DatabaseType) (string, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return "postgres", nil
	case DatabaseTypeMySQL:
		return "mysql", nil
	case DatabaseTypeSQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported database type: %s", dbType)
}

// ParseDatabaseType 解析数据库类型字符串
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// BuildDatabaseURL 按方言拼接 database/sql DSN
func BuildDatabaseURL(dbType DatabaseType, c config.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.Name, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case DatabaseTypeSQLite:
		return c.Name
	}
	return ""
}

// migrateLogger 把 golang-migrate 日志转到 zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
