package rdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Options struct {
	// sqlite3, mysql, pgx
	Driver   string `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 mysql pgx postgres"`
	DSN      string `cfg:"dsn"`
	Host     string `cfg:"host" def:"localhost"`
	Port     string `cfg:"port"`
	Database string `cfg:"database"`
	Username string `cfg:"username"`
	Password string `cfg:"password"`
	Charset  string `cfg:"charset" def:"utf8mb4"`
	MaxConns int    `cfg:"maxConns" def:"10"`
	MaxIdle  int    `cfg:"maxIdle" def:"5"`

	// 单条语句的超时时间
	QueryTimeout time.Duration `cfg:"queryTimeout" def:"30s"`

	Observer ObserverOptions `cfg:"observer"`
}

// Result 写语句的执行结果
type Result struct {
	RowsAffected int64
	LastInsertID int64
	// 支持 RETURNING 的方言返回的行
	Returned []*Record
}

// Executor 数据库与事务的公共能力，语句统一使用 ? 占位符
type Executor interface {
	Dialect() *Dialect
	Query(ctx context.Context, query string, args ...any) ([]*Record, error)
	Exec(ctx context.Context, query string, args ...any) (*Result, error)
	// ExecReturning 执行带 RETURNING 子句的写语句
	ExecReturning(ctx context.Context, query string, args ...any) (*Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn DB 与 Tx 共用的执行逻辑
type conn struct {
	q        queryer
	dialect  *Dialect
	timeout  time.Duration
	observer *Observer
}

// 语句在独立于请求取消的上下文上执行，只受超时约束
func (c *conn) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *conn) Dialect() *Dialect {
	return c.dialect
}

func (c *conn) Query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	query = c.dialect.Rebind(query)
	var records []*Record
	err := c.observer.observe(ctx, "query", query, func(ctx context.Context) error {
		ctx, cancel := c.detach(ctx)
		defer cancel()

		rows, err := c.q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows)
		return err
	})
	if err != nil {
		return nil, wrapDriverError(err, "query failed")
	}
	return records, nil
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	query = c.dialect.Rebind(query)
	result := &Result{}
	err := c.observer.observe(ctx, "exec", query, func(ctx context.Context) error {
		ctx, cancel := c.detach(ctx)
		defer cancel()

		res, err := c.q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if result.RowsAffected, err = res.RowsAffected(); err != nil {
			return err
		}
		// postgres 不支持 LastInsertId
		if c.dialect.Name != Postgres {
			result.LastInsertID, _ = res.LastInsertId()
		}
		return nil
	})
	if err != nil {
		return nil, wrapDriverError(err, "exec failed")
	}
	return result, nil
}

func (c *conn) ExecReturning(ctx context.Context, query string, args ...any) (*Result, error) {
	records, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &Result{RowsAffected: int64(len(records)), Returned: records}, nil
}

func wrapDriverError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Internal(err, "%s: timeout", message)
	}
	return errs.Internal(err, message)
}

// DB 数据库连接池
type DB struct {
	conn
	db     *sql.DB
	logger logger.Logger
}

func NewDBWithOptions(options *Options) (*DB, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	driver, dsn, err := buildDSN(options)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s failed", driver)
	}
	db.SetMaxOpenConns(options.MaxConns)
	db.SetMaxIdleConns(options.MaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s failed", driver)
	}

	return NewDB(db, driver, options)
}

// NewDB 包装已经打开的连接池
func NewDB(db *sql.DB, driver string, options *Options) (*DB, error) {
	dialect, err := DialectOf(driver)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{QueryTimeout: 30 * time.Second}
	}

	l := log.Default().WithGroup("rdb")
	return &DB{
		conn: conn{
			q:        db,
			dialect:  dialect,
			timeout:  options.QueryTimeout,
			observer: NewObserver(&options.Observer, l),
		},
		db:     db,
		logger: l,
	}, nil
}

func buildDSN(options *Options) (string, string, error) {
	driver := options.Driver
	if driver == "postgres" || driver == "postgresql" {
		driver = "pgx"
	}
	if options.DSN != "" {
		return driver, options.DSN, nil
	}

	switch driver {
	case "mysql":
		port := options.Port
		if port == "" {
			port = "3306"
		}
		return driver, fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=Local",
			options.Username, options.Password, options.Host, port, options.Database, options.Charset), nil
	case "pgx":
		port := options.Port
		if port == "" {
			port = "5432"
		}
		return driver, fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			options.Username, options.Password, options.Host, port, options.Database), nil
	case "sqlite3":
		return driver, options.Database, nil
	}
	return "", "", errors.Errorf("unsupported driver: %s", options.Driver)
}

// SQLDB 返回底层连接池
func (d *DB) SQLDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Begin 开启事务
// 事务不跟随请求上下文取消，由调用方负责提交或回滚
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	var tx *sql.Tx
	err := d.observer.observe(ctx, "begin", "", func(ctx context.Context) error {
		var err error
		tx, err = d.db.BeginTx(context.WithoutCancel(ctx), nil)
		return err
	})
	if err != nil {
		return nil, wrapDriverError(err, "begin transaction failed")
	}
	return &Tx{
		conn: conn{q: tx, dialect: d.dialect, timeout: d.timeout, observer: d.observer},
		tx:   tx,
	}, nil
}

// WithTx fn 返回错误或 panic 时回滚，否则提交
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			d.logger.ErrorContext(ctx, "rollback failed", "error", rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Tx 事务，只能由一个请求持有
type Tx struct {
	conn
	tx *sql.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	err := t.observer.observe(ctx, "commit", "", func(context.Context) error {
		return t.tx.Commit()
	})
	if err != nil {
		return wrapDriverError(err, "commit failed")
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.observer.observe(ctx, "rollback", "", func(context.Context) error {
		err := t.tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			return nil
		}
		return err
	})
	if err != nil {
		return wrapDriverError(err, "rollback failed")
	}
	return nil
}
