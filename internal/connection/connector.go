package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/model"
)

// Session is a live, read-only database session.
type Session interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Connector opens sessions to a target.
type Connector interface {
	Connect(ctx context.Context, target model.Target, password string) (Session, error)
}

// PgxConnector opens single-connection pgx pools.
type PgxConnector struct {
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	ApplicationName  string
}

// Connect builds a one-connection pool and verifies it with a ping bounded by
// ConnectTimeout. Sessions are read-only and use the postgres IntervalStyle so
// interval columns parse consistently.
func (c PgxConnector) Connect(ctx context.Context, target model.Target, password string) (Session, error) {
	cfg, err := pgxpool.ParseConfig(BuildDSN(target, password))
	if err != nil {
		return nil, fmt.Errorf("invalid connection settings: %w", err)
	}

	cfg.MaxConns = 1
	cfg.MinConns = 0
	cfg.ConnConfig.ConnectTimeout = c.ConnectTimeout
	params := cfg.ConnConfig.RuntimeParams
	params["application_name"] = c.applicationName()
	params["IntervalStyle"] = "postgres"
	params["default_transaction_read_only"] = "on"
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx := ctx
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return pool, nil
}

func (c PgxConnector) applicationName() string {
	if c.ApplicationName != "" {
		return c.ApplicationName
	}
	return "walwatch"
}

// BuildDSN renders a keyword/value connection string for target.
func BuildDSN(target model.Target, password string) string {
	parts := []string{
		"host=" + quoteDSN(target.Host),
		"port=" + strconv.Itoa(target.Port),
		"dbname=" + quoteDSN(target.Database),
		"user=" + quoteDSN(target.Username),
	}
	if password != "" {
		parts = append(parts, "password="+quoteDSN(password))
	}
	mode := target.TLSMode
	if mode == "" {
		mode = model.TLSPrefer
	}
	parts = append(parts, "sslmode="+string(mode))
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// MayBreakSession reports whether err could have left the session unusable.
// Errors reported by the server (including statement timeouts) keep the
// session alive, as do parse errors raised after the rows were read.
func MayBreakSession(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	var parseErr *walerrors.ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	return true
}
