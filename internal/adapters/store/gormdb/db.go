package gormdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// DB holds separate read and write handles. For SQLite the writer is a single
// connection so write transactions are serialised; for PostgreSQL both point
// at the same pool.
type DB struct {
	R       *gorm.DB
	W       *gorm.DB
	Dialect string
}

type Tx struct {
	*gorm.DB
}

type cbfn func(tx *Tx) error

// ReadTX runs fn on the read handle. PostgreSQL reads run in a read-only
// transaction; SQLite reads run on the query_only pool directly.
func (db *DB) ReadTX(ctx context.Context, fn cbfn) error {
	if db.Dialect == DialectPostgres {
		return db.R.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&Tx{DB: tx})
		}, &sql.TxOptions{ReadOnly: true})
	}
	return fn(&Tx{DB: db.R.WithContext(ctx)})
}

func (db *DB) WriteTX(ctx context.Context, fn cbfn) error {
	return db.W.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{DB: tx})
	})
}

func (db *DB) WriteSQLDB() (*sql.DB, error) {
	return db.W.DB()
}

func (db *DB) Close() error {
	var firstErr error
	closeOne := func(g *gorm.DB) {
		if g == nil {
			return
		}
		sqlDB, err := g.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeOne(db.R)
	if db.W != db.R {
		closeOne(db.W)
	}
	return firstErr
}

var _ io.Closer = (*DB)(nil)

// Open picks the backend from dsn: a postgres:// URL or key=value string
// opens PostgreSQL, anything else is a SQLite file path.
func Open(dsn string) (*DB, error) {
	if IsPostgresDSN(dsn) {
		return OpenPostgres(dsn)
	}
	return OpenSQLite(dsn)
}

func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

func newGormConfig() *gorm.Config {
	return &gorm.Config{
		PrepareStmt: true,
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Silent,
				IgnoreRecordNotFoundError: true,
				ParameterizedQueries:      true,
				Colorful:                  false,
			},
		),
	}
}

func OpenSQLite(file string) (*DB, error) {
	reader, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite", DSN: buildDSN(file, true)}, newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("open read db: %w", err)
	}
	writer, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite", DSN: buildDSN(file, false)}, newGormConfig())
	if err != nil {
		_ = closeGORM(reader)
		return nil, fmt.Errorf("open write db: %w", err)
	}

	rdb, err := reader.DB()
	if err != nil {
		_ = closeGORM(reader)
		_ = closeGORM(writer)
		return nil, fmt.Errorf("reader sql db: %w", err)
	}
	wdb, err := writer.DB()
	if err != nil {
		_ = closeGORM(reader)
		_ = closeGORM(writer)
		return nil, fmt.Errorf("writer sql db: %w", err)
	}

	rdb.SetMaxOpenConns(runtime.NumCPU())
	rdb.SetMaxIdleConns(runtime.NumCPU())
	rdb.SetConnMaxLifetime(0)
	rdb.SetConnMaxIdleTime(0)

	// One writer connection: SQLite has no row locks, so write transactions
	// are serialised here and opened with BEGIN IMMEDIATE.
	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)
	wdb.SetConnMaxLifetime(0)
	wdb.SetConnMaxIdleTime(0)

	db := &DB{R: reader, W: writer, Dialect: DialectSQLite}
	if err := instrument(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildDSN sets the pragmas on every pooled connection instead of once per
// pool.
func buildDSN(file string, readOnly bool) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"wal_autocheckpoint(1000)",
		"cache_size(-20000)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
		"trusted_schema(OFF)",
	}
	if readOnly {
		pragmas = append(pragmas, "query_only(1)")
	} else {
		pragmas = append(pragmas, "query_only(0)")
	}

	parts := make([]string, 0, len(pragmas)+2)
	for _, p := range pragmas {
		parts = append(parts, "_pragma="+p)
	}
	if !readOnly {
		parts = append(parts, "_txlock=immediate")
	}
	parts = append(parts, "_time_format=sqlite")

	sep := "?"
	if strings.Contains(file, "?") {
		sep = "&"
	}
	return file + sep + strings.Join(parts, "&")
}

func OpenPostgres(dsn string) (*DB, error) {
	g, err := gorm.Open(postgres.Open(dsn), newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		_ = closeGORM(g)
		return nil, fmt.Errorf("postgres sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(4 * runtime.NumCPU())
	sqlDB.SetMaxIdleConns(runtime.NumCPU())
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	db := &DB{R: g, W: g, Dialect: DialectPostgres}
	if err := instrument(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func instrument(db *DB) error {
	if err := db.W.Use(otelgorm.NewPlugin()); err != nil {
		return fmt.Errorf("register gorm tracing: %w", err)
	}
	if db.R != db.W {
		if err := db.R.Use(otelgorm.NewPlugin()); err != nil {
			return fmt.Errorf("register gorm tracing: %w", err)
		}
	}
	return nil
}

func closeGORM(g *gorm.DB) error {
	if g == nil {
		return nil
	}
	sqlDB, err := g.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
